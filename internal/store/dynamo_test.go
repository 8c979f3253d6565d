// internal/store/dynamo_test.go
package store

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdateExpression(t *testing.T) {
	lock := int64(4)
	update := &Update{
		Sets:          map[string]interface{}{"name": "renamed", "updatedAt": "2025-01-02T03:04:05.000Z"},
		Removes:       []string{"ttl"},
		IncrementLock: true,
		Predicate: Predicate{
			MustExist:          true,
			ExpectedLockNumber: &lock,
			StatusField:        "templateStatus",
			AllowedStatuses:    []string{"NOT_YET_SUBMITTED"},
		},
	}

	expr, err := buildUpdateExpression(update)

	require.NoError(t, err)
	require.NotNil(t, expr.Update())
	require.NotNil(t, expr.Condition())
	assert.Contains(t, *expr.Update(), "SET")
	assert.Contains(t, *expr.Update(), "REMOVE")
	assert.Contains(t, *expr.Update(), "ADD")
	assert.Contains(t, *expr.Condition(), "attribute_exists")
	assert.Contains(t, *expr.Condition(), "attribute_not_exists")
	assert.Contains(t, *expr.Condition(), "IN")
}

func TestBuildCondition_EmptyPredicate(t *testing.T) {
	_, ok := buildCondition(Predicate{})

	assert.False(t, ok)
}

func TestBuildFilterCondition(t *testing.T) {
	_, ok := buildFilterCondition(Filter{
		FieldIn:    map[string][]string{"templateType": {"SMS", "EMAIL"}},
		FieldNotIn: map[string][]string{"templateStatus": {"DELETED"}},
	})
	require.True(t, ok)

	_, ok = buildFilterCondition(Filter{})
	assert.False(t, ok)
}

func TestPageTokenRoundTrip(t *testing.T) {
	key := map[string]types.AttributeValue{
		"owner": &types.AttributeValueMemberS{Value: "CLIENT#c1"},
		"id":    &types.AttributeValueMemberS{Value: "template-42"},
	}

	token, err := encodeToken(key)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := decodeToken(token)
	require.NoError(t, err)

	owner, ok := decoded["owner"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "CLIENT#c1", owner.Value)

	id, ok := decoded["id"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "template-42", id.Value)
}

func TestDecodeToken_Invalid(t *testing.T) {
	_, err := decodeToken("not valid base64 ***")

	assert.Error(t, err)
}

func TestDecodeFailedItem(t *testing.T) {
	assert.Nil(t, decodeFailedItem(&types.ConditionalCheckFailedException{}))

	item := decodeFailedItem(&types.ConditionalCheckFailedException{
		Item: map[string]types.AttributeValue{
			"id":         &types.AttributeValueMemberS{Value: "t1"},
			"lockNumber": &types.AttributeValueMemberN{Value: "5"},
		},
	})
	require.NotNil(t, item)
	assert.Equal(t, "t1", item.String("id"))
	assert.Equal(t, int64(5), item.LockNumber())
}
