package client

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type identityServer interface{}

// fakeIdentity answers GetUserRoles from a fixed table and remembers the
// request id it saw last.
type fakeIdentity struct {
	roles       map[string][]any
	lastRequest string
}

func (f *fakeIdentity) getUserRoles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 {
			f.lastRequest = v[0]
		}
	}
	user := in.GetFields()["user_id"].GetStringValue()
	roles, ok := f.roles[user]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown user")
	}
	return structpb.NewStruct(map[string]any{"roles": roles})
}

func startIdentity(t *testing.T, fake *fakeIdentity) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "platform.identity.v1.IdentityService",
		HandlerType: (*identityServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "GetUserRoles",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return fake.getUserRoles(ctx, in)
			},
		}},
	}, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestIdentityGRPCClient_GetRolesForUser(t *testing.T) {
	fake := &fakeIdentity{roles: map[string][]any{
		"checker-1": {"BRANCH_MANAGER", "auditor", "not-a-role"},
	}}
	c, err := NewIdentityGRPCClient(startIdentity(t, fake))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := WithRequestID(context.Background(), "req-42")
	roles, err := c.GetRolesForUser(ctx, "checker-1")
	require.NoError(t, err)
	assert.Equal(t, []repository.Role{repository.RoleBranchManager}, roles)
	assert.Equal(t, "req-42", fake.lastRequest)

	roles, err = c.GetRolesForUser(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestIdentityGRPCClient_Unavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c, err := NewIdentityGRPCClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.GetRolesForUser(context.Background(), "checker-1")
	assert.Equal(t, errors.ErrCodeDependency, errors.CodeOf(err))
}
