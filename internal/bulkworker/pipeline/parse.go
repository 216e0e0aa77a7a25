package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

type IssueKind string

const (
	IssueEmptyLine    IssueKind = "empty_line"
	IssueInvalidJson  IssueKind = "invalid_json"
	IssueInvalidShape IssueKind = "invalid_shape"
)

// ParseIssue describes one rejected line. The line content itself is not kept.
type ParseIssue struct {
	LineNumber int64
	Kind       IssueKind
	Message    string
}

type Counters struct {
	BytesProcessed int64
	TotalLines     int64
	ValidLines     int64
	InvalidLines   int64
}

// Record is one valid line of a bulk export.
type Record struct {
	Id       string
	Typename string
	// Id of the enclosing object for records exported from a nested connection.
	ParentId   string
	LineNumber int64
	Raw        json.RawMessage
}

type ParserConfig struct {
	// When false the first bad line fails the parse with a ParseError.
	Tolerant bool
	// A tolerant parse fails with ErrorRateExceeded once InvalidLines/TotalLines goes above this,
	// checked only after MinLinesForRate lines. Zero disables the check.
	MaxInvalidRate  float64 `validate:"gte=0,lte=1"`
	MinLinesForRate int64   `validate:"gte=0"`
}

func DefaultParserConfig() ParserConfig {
	return ParserConfig{Tolerant: true, MaxInvalidRate: 0.1, MinLinesForRate: 100}
}

// Parser reads newline delimited JSON objects, counting and reporting lines it cannot use.
type Parser struct {
	config   ParserConfig
	onIssue  func(ParseIssue)
	counters Counters
}

func NewParser(config ParserConfig, onIssue func(ParseIssue)) *Parser {
	return &Parser{config: config, onIssue: onIssue}
}

func (p *Parser) Counters() Counters {
	return p.counters
}

// Parse calls emit for every valid record in r. A trailing line without a newline is parsed too.
func (p *Parser) Parse(ctx context.Context, r io.Reader, emit func(Record) error) error {
	reader := bufio.NewReaderSize(r, 256*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return errors.WithStack(readErr)
		}
		p.counters.BytesProcessed += int64(len(line))
		if len(line) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.parseLine(line, emit); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
	}
}

func (p *Parser) parseLine(line []byte, emit func(Record) error) error {
	p.counters.TotalLines++
	lineNumber := p.counters.TotalLines
	line = bytes.TrimSpace(line)

	if len(line) == 0 {
		return p.reject(ParseIssue{LineNumber: lineNumber, Kind: IssueEmptyLine, Message: "empty line"})
	}
	if !json.Valid(line) {
		return p.reject(ParseIssue{LineNumber: lineNumber, Kind: IssueInvalidJson, Message: "line is not valid json"})
	}
	record, ok := recordOf(line)
	if !ok {
		return p.reject(ParseIssue{LineNumber: lineNumber, Kind: IssueInvalidShape, Message: "missing id and __typename"})
	}

	p.counters.ValidLines++
	record.LineNumber = lineNumber
	if err := emit(record); err != nil {
		return err
	}
	return p.checkRate()
}

func (p *Parser) reject(issue ParseIssue) error {
	p.counters.InvalidLines++
	if p.onIssue != nil {
		p.onIssue(issue)
	}
	if !p.config.Tolerant {
		return &ParseError{Issue: issue}
	}
	return p.checkRate()
}

func (p *Parser) checkRate() error {
	if p.config.MaxInvalidRate > 0 && p.counters.TotalLines >= p.config.MinLinesForRate &&
		float64(p.counters.InvalidLines) > p.config.MaxInvalidRate*float64(p.counters.TotalLines) {
		return &ErrorRateExceeded{InvalidLines: p.counters.InvalidLines, TotalLines: p.counters.TotalLines}
	}
	return nil
}

// recordOf accepts objects carrying a non-empty string id or __typename.
func recordOf(line []byte) (Record, bool) {
	if line[0] != '{' {
		return Record{}, false
	}
	var head struct {
		Id       interface{} `json:"id"`
		Typename interface{} `json:"__typename"`
		ParentId interface{} `json:"__parentId"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Record{}, false
	}
	record := Record{
		Id:       nonEmptyString(head.Id),
		Typename: nonEmptyString(head.Typename),
		ParentId: nonEmptyString(head.ParentId),
		Raw:      append(json.RawMessage(nil), line...),
	}
	return record, record.Id != "" || record.Typename != ""
}

func nonEmptyString(value interface{}) string {
	s, _ := value.(string)
	return s
}
