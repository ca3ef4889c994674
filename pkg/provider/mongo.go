package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/schema"
)

// mongoSampleSize is how many documents are sampled per collection when
// inferring a schema.
const mongoSampleSize = 20

// MongoQuery is the structured query format the builder emits for MongoDB
// backends. It is JSON, not a shell command.
type MongoQuery struct {
	Collection string           `json:"collection"`
	Operation  string           `json:"operation"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Document   map[string]any   `json:"document,omitempty"`
	Documents  []map[string]any `json:"documents,omitempty"`
	Update     map[string]any   `json:"update,omitempty"`
	Field      string           `json:"field,omitempty"`
	Sort       map[string]any   `json:"sort,omitempty"`
	Projection map[string]any   `json:"projection,omitempty"`
	Limit      int64            `json:"limit,omitempty"`
}

var mongoOperations = map[string]bool{
	"find": true, "find_one": true, "aggregate": true,
	"count_documents": true, "distinct": true,
	"insert_one": true, "insert_many": true,
	"update_one": true, "update_many": true,
	"delete_one": true, "delete_many": true,
}

// MongoProvider serves MongoDB backends. Queries are the structured JSON
// format above.
type MongoProvider struct {
	id      string
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	maxRows int64
}

func NewMongoProvider(id string, cfg *config.DataSourceConfig) (*MongoProvider, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb for provider %q: %w", id, err)
	}
	return &MongoProvider{
		id:      id,
		client:  client,
		db:      client.Database(cfg.Mongo.Database),
		timeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		maxRows: int64(cfg.MaxRows),
	}, nil
}

func (p *MongoProvider) Describe() Info {
	return Info{
		ID:            p.id,
		Type:          "mongodb",
		QueryLanguage: protocol.QueryLanguageMongoDB,
		Capabilities:  CapSchemaIntrospection | CapQueryValidation | CapQueryExecution,
	}
}

func (p *MongoProvider) Close() error {
	return p.client.Disconnect(context.Background())
}

// GetSchema lists collections and infers field types by sampling
// documents. Nested documents become nested columns.
func (p *MongoProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	names, err := p.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
			fmt.Sprintf("failed to list collections for provider %q", p.id), err)
	}
	sort.Strings(names)

	def := &schema.Definition{QueryLanguage: protocol.QueryLanguageMongoDB}
	for _, name := range names {
		cols, err := p.sampleCollection(ctx, name)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrProviderUnavailable,
				fmt.Sprintf("failed to sample collection %q", name), err)
		}
		def.Tables = append(def.Tables, schema.Table{Name: name, Columns: cols})
	}
	return def, nil
}

func (p *MongoProvider) sampleCollection(ctx context.Context, name string) ([]schema.Column, error) {
	cursor, err := p.db.Collection(name).Find(ctx, bson.D{},
		options.Find().SetLimit(mongoSampleSize))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	fields := map[string]*schema.Column{}
	var order []string
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		mergeFields(doc, fields, &order)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	cols := make([]schema.Column, 0, len(order))
	for _, f := range order {
		cols = append(cols, *fields[f])
	}
	return cols, nil
}

// mergeFields folds one sampled document into the accumulated field set.
// Field types across documents can disagree; the first-seen type wins.
func mergeFields(doc bson.M, fields map[string]*schema.Column, order *[]string) {
	for key, value := range doc {
		col, ok := fields[key]
		if !ok {
			col = &schema.Column{Name: key, Type: bsonTypeName(value), Nullable: true}
			if key == "_id" {
				col.IsPrimaryKey = true
				col.Nullable = false
			}
			fields[key] = col
			*order = append(*order, key)
		}
		if nested, ok := value.(bson.M); ok {
			sub := map[string]*schema.Column{}
			var subOrder []string
			for i := range col.Nested {
				c := col.Nested[i]
				sub[c.Name] = &c
				subOrder = append(subOrder, c.Name)
			}
			mergeFields(nested, sub, &subOrder)
			col.Nested = col.Nested[:0]
			for _, f := range subOrder {
				col.Nested = append(col.Nested, *sub[f])
			}
		}
	}
}

func bsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case int32, int64, int:
		return "int"
	case float64:
		return "double"
	case bool:
		return "bool"
	case bson.M:
		return "document"
	case bson.A:
		return "array"
	case time.Time:
		return "date"
	case bson.ObjectID:
		return "objectId"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// ValidateSyntax parses the structured JSON query and checks its shape.
// No server round-trip is made.
func (p *MongoProvider) ValidateSyntax(_ context.Context, query string) (*model.ValidationResult, error) {
	_, result := parseMongoQuery(query)
	return result, nil
}

func parseMongoQuery(query string) (*MongoQuery, *model.ValidationResult) {
	var q MongoQuery
	dec := json.NewDecoder(strings.NewReader(query))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		return nil, &model.ValidationResult{
			Status: model.ValidationFailed,
			Errors: []string{fmt.Sprintf("query is not valid JSON: %v", err)},
		}
	}

	var errs []string
	if q.Collection == "" {
		errs = append(errs, "collection is required")
	}
	if !mongoOperations[q.Operation] {
		errs = append(errs, fmt.Sprintf("unsupported operation %q", q.Operation))
	}
	switch q.Operation {
	case "aggregate":
		if len(q.Pipeline) == 0 {
			errs = append(errs, "aggregate requires a pipeline")
		}
	case "distinct":
		if q.Field == "" {
			errs = append(errs, "distinct requires a field")
		}
	case "insert_one":
		if q.Document == nil {
			errs = append(errs, "insert_one requires a document")
		}
	case "insert_many":
		if len(q.Documents) == 0 {
			errs = append(errs, "insert_many requires documents")
		}
	case "update_one", "update_many":
		if q.Update == nil {
			errs = append(errs, q.Operation+" requires an update document")
		}
	}
	if len(errs) > 0 {
		return nil, &model.ValidationResult{Status: model.ValidationFailed, Errors: errs}
	}
	return &q, &model.ValidationResult{Status: model.ValidationPassed}
}

func (p *MongoProvider) ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error) {
	q, result := parseMongoQuery(query)
	if result.Failed() {
		return &model.ExecutionResult{
			Success: false,
			Error:   strings.Join(result.Errors, "; "),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.execute(ctx, q, p.rowCap(rowLimit))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &model.ExecutionResult{
			Success: false, Error: err.Error(), ExecutionTimeMs: elapsed,
		}, nil
	}
	res.Success = true
	res.ExecutionTimeMs = elapsed
	return res, nil
}

// rowCap clamps a per-call row limit to the configured maximum.
func (p *MongoProvider) rowCap(rowLimit int) int64 {
	if rowLimit <= 0 || int64(rowLimit) > p.maxRows {
		return p.maxRows
	}
	return int64(rowLimit)
}

func (p *MongoProvider) execute(ctx context.Context, q *MongoQuery, rowCap int64) (*model.ExecutionResult, error) {
	coll := p.db.Collection(q.Collection)
	filter := toBSON(q.Filter)

	switch q.Operation {
	case "find":
		limit := rowCap
		if q.Limit > 0 && q.Limit < limit {
			limit = q.Limit
		}
		opts := options.Find().SetLimit(limit)
		if q.Sort != nil {
			opts.SetSort(toBSON(q.Sort))
		}
		if q.Projection != nil {
			opts.SetProjection(toBSON(q.Projection))
		}
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		return collectDocs(ctx, cursor)

	case "find_one":
		var doc bson.M
		err := coll.FindOne(ctx, filter).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			return &model.ExecutionResult{RowCount: 0}, nil
		}
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{
			RowCount:   1,
			SampleRows: []map[string]any{doc},
		}, nil

	case "aggregate":
		pipeline := make(mongo.Pipeline, 0, len(q.Pipeline))
		for _, stage := range q.Pipeline {
			pipeline = append(pipeline, toBSOND(stage))
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		return collectDocs(ctx, cursor)

	case "count_documents":
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{
			RowCount:   1,
			Columns:    []string{"count"},
			SampleRows: []map[string]any{{"count": n}},
		}, nil

	case "distinct":
		var values []any
		if err := coll.Distinct(ctx, q.Field, filter).Decode(&values); err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, maxSampleRows)
		for i, v := range values {
			if i >= maxSampleRows {
				break
			}
			rows = append(rows, map[string]any{q.Field: v})
		}
		return &model.ExecutionResult{
			RowCount:   int64(len(values)),
			Columns:    []string{q.Field},
			SampleRows: rows,
		}, nil

	case "insert_one":
		if _, err := coll.InsertOne(ctx, toBSON(q.Document)); err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: 1}, nil

	case "insert_many":
		docs := make([]any, 0, len(q.Documents))
		for _, d := range q.Documents {
			docs = append(docs, toBSON(d))
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: int64(len(res.InsertedIDs))}, nil

	case "update_one":
		res, err := coll.UpdateOne(ctx, filter, toBSON(q.Update))
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: res.ModifiedCount}, nil

	case "update_many":
		res, err := coll.UpdateMany(ctx, filter, toBSON(q.Update))
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: res.ModifiedCount}, nil

	case "delete_one":
		res, err := coll.DeleteOne(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: res.DeletedCount}, nil

	case "delete_many":
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &model.ExecutionResult{AffectedRows: res.DeletedCount}, nil
	}
	return nil, fmt.Errorf("unsupported operation %q", q.Operation)
}

func collectDocs(ctx context.Context, cursor *mongo.Cursor) (*model.ExecutionResult, error) {
	defer cursor.Close(ctx)

	var (
		count   int64
		samples []map[string]any
		columns []string
		seen    = map[string]bool{}
	)
	for cursor.Next(ctx) {
		count++
		if len(samples) >= maxSampleRows {
			continue
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		samples = append(samples, doc)
		for key := range doc {
			if !seen[key] {
				seen[key] = true
				columns = append(columns, key)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	sort.Strings(columns)
	return &model.ExecutionResult{
		RowCount:   count,
		Columns:    columns,
		SampleRows: samples,
	}, nil
}

func toBSON(m map[string]any) bson.M {
	if m == nil {
		return bson.M{}
	}
	return bson.M(m)
}

func toBSOND(m map[string]any) bson.D {
	d := make(bson.D, 0, len(m))
	for key, value := range m {
		d = append(d, bson.E{Key: key, Value: value})
	}
	return d
}
