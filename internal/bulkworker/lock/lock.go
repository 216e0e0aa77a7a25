package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	keyPrefix = "bulk-lock:"

	DefaultTTL             = 30 * time.Minute
	DefaultRenewInterval   = 60 * time.Second
	DefaultContentionDelay = 60 * time.Second
)

// Handle identifies a held lock. Only the holder of the token can renew or release it.
type Handle struct {
	ShopId     string
	Key        string
	Token      string
	AcquiredAt time.Time
}

type BulkLock interface {
	// Acquire returns nil without error when another worker holds the lock.
	Acquire(shopId string, ttl time.Duration) (*Handle, error)
	Renew(handle *Handle, ttl time.Duration) (bool, error)
	Release(handle *Handle) (bool, error)
}

type RedisBulkLock struct {
	db redis.UniversalClient
}

func NewRedisBulkLock(db redis.UniversalClient) *RedisBulkLock {
	return &RedisBulkLock{db: db}
}

func Key(shopId string) string {
	return keyPrefix + shopId
}

func (l *RedisBulkLock) Acquire(shopId string, ttl time.Duration) (*Handle, error) {
	if shopId == "" {
		return nil, errors.New("[RedisBulkLock.Acquire] shop id must not be empty")
	}
	key := Key(shopId)
	token := uuid.New().String()
	acquired, err := l.db.SetNX(key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisBulkLock.Acquire] error setting %s: %s", key, err)
	}
	if !acquired {
		return nil, nil
	}
	return &Handle{
		ShopId:     shopId,
		Key:        key,
		Token:      token,
		AcquiredAt: time.Now(),
	}, nil
}

const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end
`

func (l *RedisBulkLock) Renew(handle *Handle, ttl time.Duration) (bool, error) {
	result, err := l.db.Eval(renewScript, []string{handle.Key}, handle.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("[RedisBulkLock.Renew] error renewing %s: %s", handle.Key, err)
	}
	return result == 1, nil
}

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

func (l *RedisBulkLock) Release(handle *Handle) (bool, error) {
	result, err := l.db.Eval(releaseScript, []string{handle.Key}, handle.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("[RedisBulkLock.Release] error releasing %s: %s", handle.Key, err)
	}
	return result == 1, nil
}

// Renewer refreshes the TTL of a held lock every interval until Stop is called or a renewal
// reports that the lock is no longer owned.
type Renewer struct {
	lock     BulkLock
	handle   *Handle
	ttl      time.Duration
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
}

func StartRenewer(lock BulkLock, handle *Handle, ttl time.Duration, interval time.Duration) *Renewer {
	r := &Renewer{
		lock:     lock,
		handle:   handle,
		ttl:      ttl,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Renewer) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger := log.WithField("lockKey", r.handle.Key)
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			renewed, err := r.lock.Renew(r.handle, r.ttl)
			if err != nil {
				logger.WithError(err).Warn("lock renewal failed, will retry")
				continue
			}
			if !renewed {
				logger.Warn("lock is no longer held by this worker, stopping renewal")
				close(r.lost)
				return
			}
		}
	}
}

// Lost is closed when a renewal found the lock owned by someone else (or expired).
func (r *Renewer) Lost() <-chan struct{} {
	return r.lost
}

// Stop ends the renewal loop and waits for it to exit. It is safe to call more than once.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
