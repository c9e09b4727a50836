package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

const skPrefixEndpoint = "ENDPOINT#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoRegistry.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoRegistry keeps endpoints in a single DynamoDB table keyed by
// PK=IDENTITY#<identity>, SK=ENDPOINT#<endpoint>.
type DynamoRegistry struct {
	api       dynamodbAPI
	tableName string
	clock     func() time.Time
}

func NewDynamoRegistry(api dynamodbAPI, tableName string) (*DynamoRegistry, error) {
	if api == nil {
		return nil, errors.New("devices: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("devices: table name must not be empty")
	}
	return &DynamoRegistry{api: api, tableName: tableName, clock: time.Now}, nil
}

func identityPK(identityID string) string {
	return "IDENTITY#" + identityID
}

func endpointSK(endpointID string) string {
	return skPrefixEndpoint + endpointID
}

func (r *DynamoRegistry) UpsertEndpoint(ctx context.Context, e chat.Endpoint) error {
	if strings.TrimSpace(e.IdentityID) == "" || strings.TrimSpace(e.EndpointID) == "" {
		return chat.NewValidationError("identity_id and endpoint_id are required")
	}
	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: identityPK(e.IdentityID)},
			"SK":          &types.AttributeValueMemberS{Value: endpointSK(e.EndpointID)},
			"identity_id": &types.AttributeValueMemberS{Value: e.IdentityID},
			"endpoint_id": &types.AttributeValueMemberS{Value: e.EndpointID},
			"platform":    &types.AttributeValueMemberS{Value: e.Platform},
			"updated_at":  &types.AttributeValueMemberS{Value: r.clock().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return chat.NewTransientError("devices: UpsertEndpoint", fmt.Errorf("put item: %w", err))
	}
	return nil
}

func (r *DynamoRegistry) RemoveEndpoint(ctx context.Context, identityID, endpointID string) (bool, error) {
	out, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: identityPK(identityID)},
			"SK": &types.AttributeValueMemberS{Value: endpointSK(endpointID)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, chat.NewTransientError("devices: RemoveEndpoint", fmt.Errorf("delete item: %w", err))
	}
	return out != nil && len(out.Attributes) > 0, nil
}

func (r *DynamoRegistry) ListEndpoints(ctx context.Context, identityID string) ([]chat.Endpoint, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: identityPK(identityID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEndpoint},
		},
		ConsistentRead: aws.Bool(true),
	}

	var out []chat.Endpoint
	for {
		page, err := r.api.Query(ctx, in)
		if err != nil {
			return nil, chat.NewTransientError("devices: ListEndpoints", fmt.Errorf("query: %w", err))
		}
		for _, item := range page.Items {
			out = append(out, itemToEndpoint(item))
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return out, nil
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemToEndpoint(item map[string]types.AttributeValue) chat.Endpoint {
	e := chat.Endpoint{
		IdentityID: stringAttr(item, "identity_id"),
		EndpointID: stringAttr(item, "endpoint_id"),
		Platform:   stringAttr(item, "platform"),
	}
	if e.EndpointID == "" {
		e.EndpointID = strings.TrimPrefix(stringAttr(item, "SK"), skPrefixEndpoint)
	}
	if ts := stringAttr(item, "updated_at"); ts != "" {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return e
}
