package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type StitchConfig struct {
	// Spill files are created in a fresh directory below Dir. Empty means os.TempDir().
	Dir string
	// Number of spill buckets; at least 8.
	Buckets int `validate:"gte=8"`
	// Top-level records held in memory before further ones are spilled.
	MaxParentsInMemory int `validate:"gt=0"`
}

func DefaultStitchConfig() StitchConfig {
	return StitchConfig{Buckets: 256, MaxParentsInMemory: 50_000}
}

// Entity is a top-level record with the records of its nested connections.
type Entity struct {
	Id       string
	Typename string
	Raw      json.RawMessage
	Children []Record
}

// Document is the entity's own object with its children grouped by type under "__children".
func (e *Entity) Document() (json.RawMessage, error) {
	if len(e.Children) == 0 {
		return e.Raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &fields); err != nil {
		return nil, errors.WithStack(err)
	}
	grouped := map[string][]json.RawMessage{}
	for _, child := range e.Children {
		typename := child.Typename
		if typename == "" {
			typename = "Unknown"
		}
		grouped[typename] = append(grouped[typename], child.Raw)
	}
	children, err := json.Marshal(grouped)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fields["__children"] = children
	document, err := json.Marshal(fields)
	return document, errors.WithStack(err)
}

// Orphan is a nested record whose parent never appeared in the export.
type Orphan struct {
	Id       string
	Typename string
	ParentId string
}

type StitchCounters struct {
	Parents         int64
	Children        int64
	ParentsSpilled  int64
	ChildrenSpilled int64
	// Records without id or parent that cannot be joined.
	Skipped  int64
	Entities int64
	Orphans  int64
}

type spilledRecord struct {
	Id       string `json:"id"`
	Typename string `json:"typename,omitempty"`
	ParentId string `json:"parentId,omitempty"`
	// Top-level ancestor, set once children are re-bucketed in Finalize.
	RootId string          `json:"rootId,omitempty"`
	Line   int64           `json:"line"`
	Raw    json.RawMessage `json:"raw"`
}

// Chains of nested connections deeper than this are treated as cycles.
const maxNestingDepth = 16

type spillFile struct {
	file   *os.File
	writer *bufio.Writer
}

// Stitcher joins nested records to their top-level ancestor. A child may point at another child, for
// example a variant's metafield, and the source order of records is arbitrary. Children therefore go to
// disk as they arrive and only their id and direct parent id are kept in memory. Parents stay in memory
// up to a cap. Finalize resolves every child to its top-level ancestor, re-buckets the children by that
// ancestor and then joins one bucket at a time.
type Stitcher struct {
	config StitchConfig
	dir    string

	parents       map[string]*Entity
	parentBuckets [][]string
	childParents  map[string]string
	spills        map[string]*spillFile
	finalized     bool
	counters      StitchCounters
}

func NewStitcher(config StitchConfig) (*Stitcher, error) {
	if config.Buckets < 8 {
		config.Buckets = 8
	}
	if config.MaxParentsInMemory < 1 {
		config.MaxParentsInMemory = 1
	}
	dir, err := os.MkdirTemp(config.Dir, "stitch-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Stitcher{
		config:        config,
		dir:           dir,
		parents:       map[string]*Entity{},
		parentBuckets: make([][]string, config.Buckets),
		childParents:  map[string]string{},
		spills:        map[string]*spillFile{},
	}, nil
}

func (s *Stitcher) Counters() StitchCounters {
	return s.counters
}

func (s *Stitcher) bucket(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(s.config.Buckets))
}

func (s *Stitcher) Add(record Record) error {
	if s.finalized {
		return errors.New("stitcher already finalized")
	}
	if record.ParentId != "" {
		s.counters.Children++
		s.counters.ChildrenSpilled++
		if record.Id != "" {
			s.childParents[record.Id] = record.ParentId
		}
		return s.spill("pending", 0, spilledRecord{
			Id:       record.Id,
			Typename: record.Typename,
			ParentId: record.ParentId,
			Line:     record.LineNumber,
			Raw:      record.Raw,
		})
	}
	if record.Id == "" {
		s.counters.Skipped++
		return nil
	}

	s.counters.Parents++
	if existing, ok := s.parents[record.Id]; ok {
		existing.Typename = record.Typename
		existing.Raw = record.Raw
		return nil
	}
	if len(s.parents) < s.config.MaxParentsInMemory {
		s.parents[record.Id] = &Entity{Id: record.Id, Typename: record.Typename, Raw: record.Raw}
		bucket := s.bucket(record.Id)
		s.parentBuckets[bucket] = append(s.parentBuckets[bucket], record.Id)
		return nil
	}
	s.counters.ParentsSpilled++
	return s.spill("parents", s.bucket(record.Id), spilledRecord{
		Id:       record.Id,
		Typename: record.Typename,
		Line:     record.LineNumber,
		Raw:      record.Raw,
	})
}

// rootOf follows parent links from parentId through known children to the id of the top-level record
// the chain ends at. It returns false for chains that loop.
func (s *Stitcher) rootOf(parentId string) (string, bool) {
	id := parentId
	for depth := 0; depth < maxNestingDepth; depth++ {
		next, isChild := s.childParents[id]
		if !isChild {
			return id, true
		}
		id = next
	}
	return "", false
}

func (s *Stitcher) spillPath(kind string, bucket int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%04d.jsonl", kind, bucket))
}

func (s *Stitcher) spill(kind string, bucket int, record spilledRecord) error {
	path := s.spillPath(kind, bucket)
	spill, ok := s.spills[path]
	if !ok {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.WithStack(err)
		}
		spill = &spillFile{file: file, writer: bufio.NewWriterSize(file, 32*1024)}
		s.spills[path] = spill
	}
	line, err := json.Marshal(record)
	if err != nil {
		return errors.WithStack(err)
	}
	line = append(line, '\n')
	_, err = spill.writer.Write(line)
	return errors.WithStack(err)
}

func (s *Stitcher) closeSpills() error {
	var result *multierror.Error
	for path, spill := range s.spills {
		if err := spill.writer.Flush(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "flushing %s", path))
		}
		if err := spill.file.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing %s", path))
		}
		delete(s.spills, path)
	}
	return result.ErrorOrNil()
}

// Finalize emits every entity with all its descendants, bucket by bucket and ordered by id within a
// bucket, and reports each child whose chain of parents never reaches a top-level record. It may be
// called once.
func (s *Stitcher) Finalize(ctx context.Context, emit func(Entity) error, orphan func(Orphan) error) error {
	if s.finalized {
		return errors.New("stitcher already finalized")
	}
	s.finalized = true
	if err := s.closeSpills(); err != nil {
		return err
	}

	reportOrphan := func(record spilledRecord) error {
		s.counters.Orphans++
		if orphan == nil {
			return nil
		}
		return orphan(Orphan{Id: record.Id, Typename: record.Typename, ParentId: record.ParentId})
	}

	err := s.readSpill(s.spillPath("pending", 0), func(record spilledRecord) error {
		root, ok := s.rootOf(record.ParentId)
		if !ok {
			return reportOrphan(record)
		}
		record.RootId = root
		return s.spill("children", s.bucket(root), record)
	})
	if err != nil {
		return err
	}
	s.childParents = nil
	if err := s.closeSpills(); err != nil {
		return err
	}

	for bucket := 0; bucket < s.config.Buckets; bucket++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		entities := make(map[string]*Entity, len(s.parentBuckets[bucket]))
		for _, id := range s.parentBuckets[bucket] {
			entities[id] = s.parents[id]
			delete(s.parents, id)
		}
		s.parentBuckets[bucket] = nil

		err = s.readSpill(s.spillPath("parents", bucket), func(record spilledRecord) error {
			if existing, ok := entities[record.Id]; ok {
				existing.Typename = record.Typename
				existing.Raw = record.Raw
				return nil
			}
			entities[record.Id] = &Entity{Id: record.Id, Typename: record.Typename, Raw: record.Raw}
			return nil
		})
		if err != nil {
			return err
		}

		err = s.readSpill(s.spillPath("children", bucket), func(record spilledRecord) error {
			parent, ok := entities[record.RootId]
			if !ok {
				return reportOrphan(record)
			}
			parent.Children = append(parent.Children, Record{
				Id:         record.Id,
				Typename:   record.Typename,
				ParentId:   record.ParentId,
				LineNumber: record.Line,
				Raw:        record.Raw,
			})
			return nil
		})
		if err != nil {
			return err
		}

		ids := maps.Keys(entities)
		slices.Sort(ids)
		for _, id := range ids {
			if err := emit(*entities[id]); err != nil {
				return err
			}
			s.counters.Entities++
		}
	}
	return nil
}

func (s *Stitcher) readSpill(path string, fn func(spilledRecord) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return errors.WithStack(readErr)
		}
		if len(line) > 0 {
			var record spilledRecord
			if err := json.Unmarshal(line, &record); err != nil {
				return errors.Wrapf(err, "corrupt spill file %s", path)
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
	}
}

// Close releases open spill files and removes the spill directory.
func (s *Stitcher) Close() error {
	var result *multierror.Error
	if err := s.closeSpills(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, errors.WithStack(err))
	}
	return result.ErrorOrNil()
}
