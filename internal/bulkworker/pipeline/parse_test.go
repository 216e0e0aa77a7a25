package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, config ParserConfig, input string) ([]Record, []ParseIssue, Counters, error) {
	var records []Record
	var issues []ParseIssue
	parser := NewParser(config, func(issue ParseIssue) {
		issues = append(issues, issue)
	})
	err := parser.Parse(context.Background(), strings.NewReader(input), func(record Record) error {
		records = append(records, record)
		return nil
	})
	return records, issues, parser.Counters(), err
}

func TestParse_TolerantModeSkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"gid://shopify/Product/1","title":"Shirt"}`,
		``,
		`{"id":"gid://shopify/ProductVariant/2","__parentId":"gid://shopify/Product/1"}`,
		`{"id": broken`,
		`[1,2,3]`,
		`{"title":"no identity"}`,
		`{"__typename":"Shop"}`,
		`{"id":"gid://shopify/Product/3"}`,
	}, "\n")

	records, issues, counters, err := parseAll(t, ParserConfig{Tolerant: true}, input)

	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "gid://shopify/Product/1", records[0].Id)
	assert.Equal(t, int64(1), records[0].LineNumber)
	assert.Equal(t, "gid://shopify/Product/1", records[1].ParentId)
	assert.Equal(t, "Shop", records[2].Typename)
	assert.Equal(t, "gid://shopify/Product/3", records[3].Id, "last line has no newline")
	assert.JSONEq(t, `{"id":"gid://shopify/Product/1","title":"Shirt"}`, string(records[0].Raw))

	assert.Equal(t, []ParseIssue{
		{LineNumber: 2, Kind: IssueEmptyLine, Message: "empty line"},
		{LineNumber: 4, Kind: IssueInvalidJson, Message: "line is not valid json"},
		{LineNumber: 5, Kind: IssueInvalidShape, Message: "missing id and __typename"},
		{LineNumber: 6, Kind: IssueInvalidShape, Message: "missing id and __typename"},
	}, issues)
	assert.Equal(t, Counters{
		BytesProcessed: int64(len(input)),
		TotalLines:     8,
		ValidLines:     4,
		InvalidLines:   4,
	}, counters)
}

func TestParse_HandlesCarriageReturnsAndTrailingNewline(t *testing.T) {
	input := "{\"id\":\"a\"}\r\n{\"id\":\"b\"}\r\n"

	records, issues, counters, err := parseAll(t, ParserConfig{Tolerant: true}, input)

	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Empty(t, issues)
	assert.Equal(t, int64(2), counters.TotalLines)
}

func TestParse_StrictModeFailsOnFirstBadLine(t *testing.T) {
	input := "{\"id\":\"a\"}\nnot json\n{\"id\":\"b\"}\n"

	records, _, _, err := parseAll(t, ParserConfig{Tolerant: false}, input)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, int64(2), parseErr.Issue.LineNumber)
	assert.Equal(t, IssueInvalidJson, parseErr.Issue.Kind)
	assert.Len(t, records, 1)
}

func TestParse_AbortsWhenErrorRateIsExceeded(t *testing.T) {
	var lines []string
	for i := 0; i < 89; i++ {
		lines = append(lines, `{"id":"ok"}`)
	}
	for i := 0; i < 11; i++ {
		lines = append(lines, `nope`)
	}

	_, _, counters, err := parseAll(t, DefaultParserConfig(), strings.Join(lines, "\n"))

	var rateErr *ErrorRateExceeded
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, int64(100), rateErr.TotalLines)
	assert.Equal(t, int64(11), rateErr.InvalidLines)
	assert.Equal(t, int64(100), counters.TotalLines)
}

func TestParse_ErrorRateNeedsMinimumLines(t *testing.T) {
	input := "nope\nnope\n{\"id\":\"ok\"}\n"

	records, issues, _, err := parseAll(t, DefaultParserConfig(), input)

	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, issues, 2)
}

func TestParse_ErrorRateAtThresholdIsAccepted(t *testing.T) {
	var lines []string
	for i := 0; i < 90; i++ {
		lines = append(lines, `{"id":"ok"}`)
	}
	for i := 0; i < 10; i++ {
		lines = append(lines, `nope`)
	}

	records, _, _, err := parseAll(t, DefaultParserConfig(), strings.Join(lines, "\n"))

	require.NoError(t, err)
	assert.Len(t, records, 90)
}

func TestParse_StopsOnEmitError(t *testing.T) {
	parser := NewParser(DefaultParserConfig(), nil)
	calls := 0
	err := parser.Parse(context.Background(), strings.NewReader("{\"id\":\"a\"}\n{\"id\":\"b\"}\n"), func(Record) error {
		calls++
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
