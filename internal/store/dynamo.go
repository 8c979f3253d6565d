// internal/store/dynamo.go
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/observability"
)

// DynamoBackend stores records in DynamoDB tables keyed on (owner, id).
// Conditional updates map directly onto UpdateItem with a condition
// expression, so the predicate and the mutation are one atomic call.
type DynamoBackend struct {
	client *dynamodb.Client
	tracer trace.Tracer
}

// NewDynamoBackend wraps a configured DynamoDB client.
func NewDynamoBackend(client *dynamodb.Client) *DynamoBackend {
	return &DynamoBackend{
		client: client,
		tracer: observability.Tracer("store.dynamo"),
	}
}

func dynamoKey(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"owner": &types.AttributeValueMemberS{Value: key.Owner},
		"id":    &types.AttributeValueMemberS{Value: key.ID},
	}
}

// Get fetches one record, or ErrNotFound.
func (b *DynamoBackend) Get(ctx context.Context, table string, key Key) (Item, error) {
	ctx, span := b.tracer.Start(ctx, "dynamo.Get",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       dynamoKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo get %s: %w", table, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo get %s: decode item: %w", table, err)
	}
	return item, nil
}

// Put writes a full record. With ifNotExists it is rejected when the key is
// already present, reported as ConditionFailedError.
func (b *DynamoBackend) Put(ctx context.Context, table string, key Key, item Item, ifNotExists bool) error {
	ctx, span := b.tracer.Start(ctx, "dynamo.Put",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo put %s: encode item: %w", table, err)
	}
	av["owner"] = &types.AttributeValueMemberS{Value: key.Owner}
	av["id"] = &types.AttributeValueMemberS{Value: key.ID}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}
	if ifNotExists {
		expr, err := expression.NewBuilder().
			WithCondition(expression.AttributeNotExists(expression.Name("id"))).
			Build()
		if err != nil {
			return fmt.Errorf("dynamo put %s: build condition: %w", table, err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}

	if _, err := b.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &ConditionFailedError{Current: decodeFailedItem(ccf)}
		}
		return fmt.Errorf("dynamo put %s: %w", table, err)
	}
	return nil
}

// Update applies a conditional mutation and returns the item after the
// write. A rejected predicate surfaces as ConditionFailedError carrying the
// stored item DynamoDB returned with the failure.
func (b *DynamoBackend) Update(ctx context.Context, table string, key Key, update *Update) (Item, error) {
	ctx, span := b.tracer.Start(ctx, "dynamo.Update",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	expr, err := buildUpdateExpression(update)
	if err != nil {
		return nil, fmt.Errorf("dynamo update %s: build expression: %w", table, err)
	}

	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(table),
		Key:                                 dynamoKey(key),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, &ConditionFailedError{Current: decodeFailedItem(ccf)}
		}
		return nil, fmt.Errorf("dynamo update %s: %w", table, err)
	}

	var item Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("dynamo update %s: decode item: %w", table, err)
	}
	return item, nil
}

func buildUpdateExpression(update *Update) (expression.Expression, error) {
	upd := expression.UpdateBuilder{}
	for field, value := range update.Sets {
		upd = upd.Set(expression.Name(field), expression.Value(value))
	}
	for _, field := range update.Removes {
		upd = upd.Remove(expression.Name(field))
	}
	if update.IncrementLock {
		upd = upd.Add(expression.Name("lockNumber"), expression.Value(1))
	}

	builder := expression.NewBuilder().WithUpdate(upd)
	if cond, ok := buildCondition(update.Predicate); ok {
		builder = builder.WithCondition(cond)
	}
	return builder.Build()
}

func buildCondition(p Predicate) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder

	if p.MustExist {
		conds = append(conds, expression.AttributeExists(expression.Name("id")))
	}
	if p.ExpectedLockNumber != nil {
		// Records written before lock numbers existed have no attribute;
		// they match any expectation, same as a stored value of 0 when the
		// caller expects 0.
		lock := expression.Name("lockNumber")
		conds = append(conds, expression.Or(
			expression.AttributeNotExists(lock),
			lock.Equal(expression.Value(*p.ExpectedLockNumber)),
		))
	}
	if len(p.AllowedStatuses) > 0 {
		conds = append(conds, statusIn(p.StatusField, p.AllowedStatuses))
	}
	if len(p.ForbiddenStatuses) > 0 {
		conds = append(conds, expression.Not(statusIn(p.StatusField, p.ForbiddenStatuses)))
	}
	for field, value := range p.FieldEquals {
		conds = append(conds, expression.Name(field).Equal(expression.Value(value)))
	}

	if len(conds) == 0 {
		return expression.ConditionBuilder{}, false
	}
	cond := conds[0]
	for _, c := range conds[1:] {
		cond = expression.And(cond, c)
	}
	return cond, true
}

func statusIn(field string, statuses []string) expression.ConditionBuilder {
	first := expression.Value(statuses[0])
	rest := make([]expression.OperandBuilder, 0, len(statuses)-1)
	for _, s := range statuses[1:] {
		rest = append(rest, expression.Value(s))
	}
	return expression.Name(field).In(first, rest...)
}

func decodeFailedItem(ccf *types.ConditionalCheckFailedException) Item {
	if len(ccf.Item) == 0 {
		return nil
	}
	var item Item
	if err := attributevalue.UnmarshalMap(ccf.Item, &item); err != nil {
		return nil
	}
	return item
}

// Query pages through one owner partition. Filters compile to a
// FilterExpression so excluded records never leave DynamoDB, though they
// still count against page size, which is why pages can come back empty
// with a token.
func (b *DynamoBackend) Query(ctx context.Context, table, owner string, filter Filter, token string) (Page, error) {
	ctx, span := b.tracer.Start(ctx, "dynamo.Query",
		trace.WithAttributes(attribute.String("db.table", table)))
	defer span.End()

	builder := expression.NewBuilder().
		WithKeyCondition(expression.Key("owner").Equal(expression.Value(owner)))
	if cond, ok := buildFilterCondition(filter); ok {
		builder = builder.WithFilter(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return Page{}, fmt.Errorf("dynamo query %s: build expression: %w", table, err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if token != "" {
		start, err := decodeToken(token)
		if err != nil {
			return Page{}, fmt.Errorf("dynamo query %s: %w", table, err)
		}
		input.ExclusiveStartKey = start
	}

	out, err := b.client.Query(ctx, input)
	if err != nil {
		return Page{}, fmt.Errorf("dynamo query %s: %w", table, err)
	}

	page := Page{Items: make([]Item, 0, len(out.Items))}
	for _, av := range out.Items {
		var item Item
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return Page{}, fmt.Errorf("dynamo query %s: decode item: %w", table, err)
		}
		page.Items = append(page.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		next, err := encodeToken(out.LastEvaluatedKey)
		if err != nil {
			return Page{}, fmt.Errorf("dynamo query %s: %w", table, err)
		}
		page.NextToken = next
	}
	return page, nil
}

func buildFilterCondition(filter Filter) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	for field, values := range filter.FieldIn {
		if len(values) > 0 {
			conds = append(conds, statusIn(field, values))
		}
	}
	for field, values := range filter.FieldNotIn {
		if len(values) > 0 {
			conds = append(conds, expression.Not(statusIn(field, values)))
		}
	}

	if len(conds) == 0 {
		return expression.ConditionBuilder{}, false
	}
	cond := conds[0]
	for _, c := range conds[1:] {
		cond = expression.And(cond, c)
	}
	return cond, true
}

// Continuation tokens are the DynamoDB LastEvaluatedKey serialised opaquely;
// the key attributes are both strings so a flat map survives the round trip.
func encodeToken(key map[string]types.AttributeValue) (string, error) {
	flat := map[string]string{}
	if err := attributevalue.UnmarshalMap(key, &flat); err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	flat := map[string]string{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	return attributevalue.MarshalMap(flat)
}
