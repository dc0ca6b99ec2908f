// Package protocol implements the connection handshake exchanged by both
// ends of a link before any chat bytes flow.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MaxHelloSize bounds the encoded size of a Hello.
const MaxHelloSize = 1024

var (
	// ErrServiceMismatch means the remote side speaks for another service.
	ErrServiceMismatch = errors.New("service id mismatch")

	// ErrHelloTooLarge means the length prefix exceeds MaxHelloSize.
	ErrHelloTooLarge = errors.New("hello too large")
)

// helloDesc mirrors proto/hello.proto.
var helloDesc = mustMessage(&descriptorpb.FileDescriptorProto{
	Name:    proto.String("hello.proto"),
	Package: proto.String("bluechat.protocol"),
	Syntax:  proto.String("proto3"),
	MessageType: []*descriptorpb.DescriptorProto{{
		Name: proto.String("Hello"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("service_id", 1, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
			field("peer_id", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			field("name", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		},
	}},
}, "Hello")

var (
	fieldServiceID = helloDesc.Fields().ByNumber(1)
	fieldPeerID    = helloDesc.Fields().ByNumber(2)
	fieldName      = helloDesc.Fields().ByNumber(3)
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func mustMessage(fdp *descriptorpb.FileDescriptorProto, name protoreflect.Name) protoreflect.MessageDescriptor {
	fd, err := protodesc.NewFile(fdp, new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid descriptor: %v", err))
	}
	return fd.Messages().ByName(name)
}

// Hello introduces one side of a link to the other.
type Hello struct {
	ServiceID uuid.UUID
	PeerID    string
	Name      string
}

// Encode encodes the hello into bytes using protobuf
func (h *Hello) Encode() ([]byte, error) {
	data, err := proto.Marshal(h.toProto())
	if err != nil {
		return nil, fmt.Errorf("failed to encode hello: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into the hello using protobuf. Unknown fields are
// skipped.
func (h *Hello) Decode(data []byte) error {
	m := dynamicpb.NewMessage(helloDesc)
	if err := proto.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode hello: %w", err)
	}
	return h.fromProto(m)
}

func (h *Hello) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(helloDesc)
	m.Set(fieldServiceID, protoreflect.ValueOfBytes(h.ServiceID[:]))
	if h.PeerID != "" {
		m.Set(fieldPeerID, protoreflect.ValueOfString(h.PeerID))
	}
	if h.Name != "" {
		m.Set(fieldName, protoreflect.ValueOfString(h.Name))
	}
	return m
}

func (h *Hello) fromProto(m *dynamicpb.Message) error {
	*h = Hello{
		PeerID: m.Get(fieldPeerID).String(),
		Name:   m.Get(fieldName).String(),
	}
	if m.Has(fieldServiceID) {
		id, err := uuid.FromBytes(m.Get(fieldServiceID).Bytes())
		if err != nil {
			return fmt.Errorf("failed to decode hello: %w", err)
		}
		h.ServiceID = id
	}
	return nil
}

// Check returns ErrServiceMismatch unless the hello is for serviceID.
func (h *Hello) Check(serviceID uuid.UUID) error {
	if h.ServiceID != serviceID {
		return fmt.Errorf("%w: got %s, want %s", ErrServiceMismatch, h.ServiceID, serviceID)
	}
	return nil
}

// WriteHello writes a length-prefixed hello to a byte stream.
func WriteHello(w io.Writer, h *Hello) error {
	body, err := h.Encode()
	if err != nil {
		return err
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(body)+2), uint64(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write hello: %w", err)
	}
	return nil
}

// ReadHello reads a length-prefixed hello from a byte stream. It reads
// exactly the bytes of the hello so the stream can be handed on unbuffered.
func ReadHello(r io.Reader) (*Hello, error) {
	var prefix []byte
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, fmt.Errorf("failed to read hello: %w", err)
		}
		prefix = append(prefix, one[0])
		if one[0] < 0x80 {
			break
		}
		if len(prefix) >= protowire.SizeVarint(MaxHelloSize) {
			return nil, ErrHelloTooLarge
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return nil, fmt.Errorf("failed to read hello: %w", protowire.ParseError(n))
	}
	if size > MaxHelloSize {
		return nil, ErrHelloTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}

	h := &Hello{}
	if err := h.Decode(body); err != nil {
		return nil, err
	}
	return h, nil
}
