// internal/common/aws/dynamodb.go
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoDBClient wraps the DynamoDB client.
type DynamoDBClient struct {
	Client *dynamodb.Client
}

// NewDynamoDBClient creates a DynamoDB client for the region. A non-empty
// endpoint points the client at dynamodb-local for development.
func NewDynamoDBClient(ctx context.Context, region, endpoint string) (*DynamoDBClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})

	return &DynamoDBClient{Client: client}, nil
}
