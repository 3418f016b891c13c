//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes needed for
// sessionpb's generated _rawDesc table, as an alternative to running protoc
// directly. Run with: go run ./internal/proto/gen/gen.go
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	b := ptr[bool]
	s := ptr[string]
	_ = b
	_ = s

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/session.proto"),
		Package: s("session"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/tripwire/honeypot/internal/server/grpc/sessionpb"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: s("Empty")},
			{
				Name: s("LiveSessionCountResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("count"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("count")},
				},
			},
			{
				Name: s("ForceCloseRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
				},
			},
			{
				Name: s("ForceCloseResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("closed"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("closed")},
				},
			},
			{Name: s("StreamSessionEventsRequest")},
			{
				Name: s("SessionEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
					{Name: s("tag"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("tag")},
					{Name: s("data_json"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(), JsonName: s("dataJson")},
					{Name: s("ts"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_DOUBLE.Enum(), JsonName: s("ts")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("SessionService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("GetLiveSessionCount"),
						InputType:  s(".session.Empty"),
						OutputType: s(".session.LiveSessionCountResponse"),
					},
					{
						Name:       s("ForceCloseSession"),
						InputType:  s(".session.ForceCloseRequest"),
						OutputType: s(".session.ForceCloseResponse"),
					},
					{
						Name:            s("StreamSessionEvents"),
						InputType:       s(".session.StreamSessionEventsRequest"),
						OutputType:      s(".session.SessionEvent"),
						ServerStreaming: b(true),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_session_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_session_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_session_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T  { return &v }
func s(v string) *string { return &v }
func p(v int32) *int32   { return &v }
func b(v bool) *bool     { return &v }
