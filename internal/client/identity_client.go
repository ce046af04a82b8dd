package client

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// identityGetUserRoles is the identity service method answering role lookups.
// Requests and replies are google.protobuf.Struct documents.
const identityGetUserRoles = "/platform.identity.v1.IdentityService/GetUserRoles"

// IdentityGRPCClient is a RoleOracle backed by the platform identity gRPC
// service.
type IdentityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
func NewIdentityGRPCClient(addr string) (*IdentityGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, err
	}
	return &IdentityGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	return c.conn.Close()
}

// GetRolesForUser implements RoleOracle.
func (c *IdentityGRPCClient) GetRolesForUser(ctx context.Context, userID string) ([]repository.Role, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, identityGetUserRoles, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, errors.Dependency(err, "identity service unavailable")
	}

	var names []string
	for _, v := range resp.GetFields()["roles"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return toRoles(names), nil
}
