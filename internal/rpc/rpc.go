// Package rpc opens the gRPC connections to the crown detection and model
// services.
package rpc

import (
	"context"
	"crypto/tls"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/credentials/oauth"
)

const maxMessageSize = 64 * 1024 * 1024

// Auth holds the OAuth2 client credentials of a remote service. A zero Auth
// dials without transport security.
type Auth struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func (a Auth) enabled() bool {
	return a.TokenURL != ""
}

func (a Auth) dialOptions(ctx context.Context) []grpc.DialOption {
	if !a.enabled() {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
	}
	return []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
		grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: cc.TokenSource(ctx)}),
	}
}

func Dial(ctx context.Context, addr string, auth Auth) (*grpc.ClientConn, error) {
	opts := append(auth.dialOptions(ctx),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server %s: %w", addr, err)
	}
	return conn, nil
}
