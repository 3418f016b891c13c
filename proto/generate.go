// Package session holds the .proto source for the honeypot's control-plane
// gRPC service. The generated Go bindings (internal/server/grpc/sessionpb)
// are not checked in; regenerate them from proto/session.proto with either:
//
//  1. From the repository root (recommended):
//
//     make proto
//
//  2. Via go generate (run from the repository root):
//
//     go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=../internal/server/grpc/sessionpb --go_opt=paths=source_relative --go-grpc_out=../internal/server/grpc/sessionpb --go-grpc_opt=paths=source_relative session.proto
package session
