package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/httpclient"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/schema"
)

// SplunkProvider serves Splunk backends over the management REST API.
// Queries are SPL search strings.
type SplunkProvider struct {
	id      string
	baseURL string
	token   string
	index   string
	client  *httpclient.Client
	timeout time.Duration
	maxRows int
}

func NewSplunkProvider(id string, cfg *config.DataSourceConfig) *SplunkProvider {
	httpClient := &http.Client{Timeout: time.Duration(cfg.QueryTimeoutSeconds+5) * time.Second}
	if cfg.Splunk.SkipTLSVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &SplunkProvider{
		id:      id,
		baseURL: strings.TrimRight(cfg.Splunk.BaseURL, "/"),
		token:   cfg.Splunk.Token,
		index:   cfg.Splunk.Index,
		client:  httpclient.New(httpclient.WithHTTPClient(httpClient)),
		timeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		maxRows: cfg.MaxRows,
	}
}

func (p *SplunkProvider) Describe() Info {
	return Info{
		ID:            p.id,
		Type:          "splunk",
		QueryLanguage: protocol.QueryLanguageSPL,
		Capabilities:  CapSchemaIntrospection | CapQueryValidation | CapQueryExecution,
	}
}

func (p *SplunkProvider) Close() error { return nil }

// GetSchema treats each index as a table and derives fields via
// fieldsummary over a recent sample.
func (p *SplunkProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	indexes := []string{p.index}
	if p.index == "" {
		var err error
		indexes, err = p.listIndexes(ctx)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
				fmt.Sprintf("failed to list splunk indexes for provider %q", p.id), err)
		}
	}

	def := &schema.Definition{QueryLanguage: protocol.QueryLanguageSPL}
	for _, idx := range indexes {
		cols, err := p.summarizeFields(ctx, idx)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
				fmt.Sprintf("failed to summarize fields of index %q", idx), err)
		}
		def.Tables = append(def.Tables, schema.Table{Name: idx, Columns: cols})
	}
	return def, nil
}

type splunkEntryList struct {
	Entry []struct {
		Name string `json:"name"`
	} `json:"entry"`
}

func (p *SplunkProvider) listIndexes(ctx context.Context) ([]string, error) {
	body, err := p.get(ctx, "/services/data/indexes?output_mode=json&count=0")
	if err != nil {
		return nil, err
	}
	var list splunkEntryList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode index list: %w", err)
	}
	names := make([]string, 0, len(list.Entry))
	for _, e := range list.Entry {
		if !strings.HasPrefix(e.Name, "_") {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (p *SplunkProvider) summarizeFields(ctx context.Context, index string) ([]schema.Column, error) {
	spl := fmt.Sprintf("search index=%s earliest=-24h | head 1000 | fieldsummary maxvals=0", index)
	res, err := p.oneshot(ctx, spl, 0)
	if err != nil {
		return nil, err
	}
	cols := make([]schema.Column, 0, len(res.Results))
	for _, row := range res.Results {
		name, _ := row["field"].(string)
		if name == "" {
			continue
		}
		colType := "string"
		if numeric, ok := row["numeric_count"].(string); ok {
			if count, ok := row["count"].(string); ok && numeric == count && numeric != "0" {
				colType = "number"
			}
		}
		cols = append(cols, schema.Column{Name: name, Type: colType, Nullable: true})
	}
	return cols, nil
}

// ValidateSyntax checks the SPL through the server-side parser without
// dispatching a search.
func (p *SplunkProvider) ValidateSyntax(ctx context.Context, query string) (*model.ValidationResult, error) {
	if errs := checkSPLShape(query); len(errs) > 0 {
		return &model.ValidationResult{Status: model.ValidationFailed, Errors: errs}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{"q": {query}, "output_mode": {"json"}}
	resp, err := p.postForm(ctx, "/services/search/parser", form)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
			"splunk parser unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return &model.ValidationResult{Status: model.ValidationPassed}, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := splunkErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("parser rejected query (status %d)", resp.StatusCode)
	}
	return &model.ValidationResult{
		Status: model.ValidationFailed,
		Errors: []string{msg},
	}, nil
}

// checkSPLShape enforces the local well-formedness rules that do not need
// a server: a query must start with "search" or a pipe command.
func checkSPLShape(query string) []string {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return []string{"query is empty"}
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "search ") && !strings.HasPrefix(trimmed, "|") && lower != "search" {
		return []string{`query must start with "search" or a generating command ("|")`}
	}
	return nil
}

var splBoundPattern = regexp.MustCompile(`(?i)(\|\s*(head|tail)\s+\d+|\blimit\s*=\s*\d+)`)

// boundSPL appends "| head N" unless the query already bounds its output.
func boundSPL(query string, maxRows int) string {
	if splBoundPattern.MatchString(query) {
		return query
	}
	return fmt.Sprintf("%s | head %d", strings.TrimSpace(query), maxRows)
}

func (p *SplunkProvider) ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error) {
	if errs := checkSPLShape(query); len(errs) > 0 {
		return &model.ExecutionResult{
			Success: false, Error: strings.Join(errs, "; "),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	limit := p.maxRows
	if rowLimit > 0 && rowLimit < limit {
		limit = rowLimit
	}
	start := time.Now()
	res, err := p.oneshot(ctx, boundSPL(query, limit), limit)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &model.ExecutionResult{
			Success: false, Error: err.Error(), ExecutionTimeMs: elapsed,
		}, nil
	}

	columns := make([]string, 0, len(res.Fields))
	for _, f := range res.Fields {
		columns = append(columns, f.Name)
	}
	samples := res.Results
	if len(samples) > maxSampleRows {
		samples = samples[:maxSampleRows]
	}
	return &model.ExecutionResult{
		Success:         true,
		RowCount:        int64(len(res.Results)),
		Columns:         columns,
		SampleRows:      samples,
		ExecutionTimeMs: elapsed,
	}, nil
}

type splunkSearchResult struct {
	Fields []struct {
		Name string `json:"name"`
	} `json:"fields"`
	Results []map[string]any `json:"results"`
}

// oneshot dispatches a blocking one-shot search job and returns its
// results.
func (p *SplunkProvider) oneshot(ctx context.Context, spl string, count int) (*splunkSearchResult, error) {
	form := url.Values{
		"search":      {spl},
		"exec_mode":   {"oneshot"},
		"output_mode": {"json"},
	}
	if count > 0 {
		form.Set("count", strconv.Itoa(count))
	}
	resp, err := p.postForm(ctx, "/services/search/jobs", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := splunkErrorMessage(body)
		if msg == "" {
			msg = fmt.Sprintf("search failed (status %d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	var result splunkSearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return &result, nil
}

func (p *SplunkProvider) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.client.Do(req)
}

func (p *SplunkProvider) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed (status %d)", resp.StatusCode)
	}
	return body, nil
}

func splunkErrorMessage(body []byte) string {
	var payload struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	var texts []string
	for _, m := range payload.Messages {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	return strings.Join(texts, "; ")
}
