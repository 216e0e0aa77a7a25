package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/logging"
)

// Schedule requests a bulk export for a set of shops whenever its cron expression fires.
type Schedule struct {
	Name string `validate:"required"`
	// Standard five field cron expression, evaluated in Timezone (UTC when empty).
	Cron          string `validate:"required"`
	Timezone      string
	ShopIds       []string            `validate:"min=1,dive,required"`
	OperationType model.OperationType `validate:"required,oneof=PRODUCTS_EXPORT ORDERS_EXPORT CUSTOMERS_EXPORT INVENTORY_EXPORT COLLECTIONS_EXPORT"`
	QueryType     string
	GraphqlQuery  string `validate:"required"`
}

func (s Schedule) expression() string {
	if s.Timezone == "" {
		return s.Cron
	}
	return fmt.Sprintf("CRON_TZ=%s %s", s.Timezone, s.Cron)
}

// Scheduler enqueues orchestration requests for configured schedules. Every worker process may run
// one: a firing is enqueued under a job id derived from the schedule and the minute it fired, so
// only the first process to enqueue it wins.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer jobqueue.Enqueuer
	now      func() time.Time
}

func New(enqueuer jobqueue.Enqueuer, schedules []Schedule) (*Scheduler, error) {
	logger := cron.PrintfLogger(log.StandardLogger())
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		enqueuer: enqueuer,
		now:      time.Now,
	}
	for _, schedule := range schedules {
		schedule := schedule
		_, err := s.cron.AddFunc(schedule.expression(), func() {
			if err := s.Trigger(context.Background(), schedule); err != nil {
				logging.WithStacktrace(log.WithField("schedule", schedule.Name), err).Error("error triggering scheduled bulk export")
			}
		})
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression %q for schedule %s", schedule.Cron, schedule.Name)
		}
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled and running triggers have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	entries := len(s.cron.Entries())
	if entries == 0 {
		log.Info("no bulk export schedules configured")
		<-ctx.Done()
		return nil
	}
	log.Infof("starting scheduler with %d schedules", entries)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

// Trigger enqueues one orchestration request per shop of the schedule.
func (s *Scheduler) Trigger(ctx context.Context, schedule Schedule) error {
	firedAt := s.now().UTC().Truncate(time.Minute)
	for _, shopId := range schedule.ShopIds {
		key := IdempotencyKey(schedule.Name, shopId, firedAt)
		_, err := s.enqueuer.Enqueue(ctx, jobqueue.EnqueueRequest{
			Queue:   model.OrchestratorQueue,
			Name:    model.OrchestratorJobName,
			Version: model.PayloadVersion,
			Group:   shopId,
			JobId:   key,
			Payload: model.OrchestratorPayload{
				ShopId:         shopId,
				OperationType:  schedule.OperationType,
				QueryType:      schedule.QueryType,
				GraphqlQuery:   schedule.GraphqlQuery,
				IdempotencyKey: key,
				TriggeredBy:    model.TriggeredByScheduler,
				RequestedAt:    firedAt,
			},
		})
		if err != nil {
			return errors.WithMessagef(err, "error enqueueing scheduled export of shop %s", shopId)
		}
		log.WithFields(log.Fields{"schedule": schedule.Name, "shopId": shopId}).Info("enqueued scheduled bulk export")
	}
	return nil
}

func IdempotencyKey(scheduleName string, shopId string, firedAt time.Time) string {
	return fmt.Sprintf("schedule:%s:%s:%s", scheduleName, shopId, firedAt.UTC().Format(time.RFC3339))
}
