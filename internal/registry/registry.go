// Package registry holds the process-wide, immutable-after-init protobuf
// descriptor pool plus the JSON mirror of the service/method declarations,
// and resolves method and message names to descriptors.
//
// The descriptor pool alone does not expose per-RPC request/response types
// in the shape the session parser needs (protobuf service descriptors model
// gRPC-style services, but the upstream schema here is a bare JSON manifest
// mirroring the same .proto declarations), hence the second JSON tree.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

var ErrNoSuchMethod = errors.New("registry: no such method")

// Method is one leaf of the JSON service manifest.
type Method struct {
	RequestType  string `json:"requestType"`
	ResponseType string `json:"responseType"`
}

// Node is one level of the JSON manifest tree: a package or service
// namespace, optionally carrying further nested namespaces or method leaves.
type Node struct {
	Nested  map[string]*Node  `json:"nested,omitempty"`
	Methods map[string]Method `json:"methods,omitempty"`
}

// Registry is the combined descriptor pool + JSON manifest.
type Registry struct {
	files    *protoregistry.Files
	manifest *Node
}

// LoadFiles builds a Registry from a serialized FileDescriptorSet
// (descriptorSet) and the JSON manifest document (liqiJSON) loaded from
// config-dir per §6.
func LoadFiles(descriptorSetPath, liqiJSONPath string) (*Registry, error) {
	fdsBytes, err := os.ReadFile(descriptorSetPath)
	if err != nil {
		return nil, fmt.Errorf("registry: reading descriptor set: %w", err)
	}

	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(fdsBytes, &fds); err != nil {
		return nil, fmt.Errorf("registry: unmarshaling descriptor set: %w", err)
	}

	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, fmt.Errorf("registry: building descriptor pool: %w", err)
	}

	manifestBytes, err := os.ReadFile(liqiJSONPath)
	if err != nil {
		return nil, fmt.Errorf("registry: reading liqi.json: %w", err)
	}

	var root Node
	if err := json.Unmarshal(manifestBytes, &root); err != nil {
		return nil, fmt.Errorf("registry: unmarshaling liqi.json: %w", err)
	}

	return &Registry{files: files, manifest: &root}, nil
}

// New builds a Registry directly from an already-parsed descriptor set and
// manifest tree — used by tests that build their descriptors in memory.
func New(files *protoregistry.Files, manifest *Node) *Registry {
	return &Registry{files: files, manifest: manifest}
}

// ResolveMethod splits a method FQN of the shape ".<pkg>.<service>.<method>"
// and walks the manifest tree to find its request/response type names, then
// resolves those names (implicitly package-qualified) to descriptors.
func (r *Registry) ResolveMethod(methodFQN string) (reqDesc, resDesc protoreflect.MessageDescriptor, err error) {
	parts := strings.Split(strings.TrimPrefix(methodFQN, "."), ".")
	if len(parts) < 3 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoSuchMethod, methodFQN)
	}
	pkg := parts[0]
	service := parts[1]
	method := parts[len(parts)-1]

	node, ok := r.manifest.Nested[pkg]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q (no package %q)", ErrNoSuchMethod, methodFQN, pkg)
	}
	svcNode, ok := node.Nested[service]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q (no service %q)", ErrNoSuchMethod, methodFQN, service)
	}
	m, ok := svcNode.Methods[method]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q (no method %q)", ErrNoSuchMethod, methodFQN, method)
	}

	reqDesc, err = r.ResolveMessage(pkg + "." + m.RequestType)
	if err != nil {
		return nil, nil, err
	}
	resDesc, err = r.ResolveMessage(pkg + "." + m.ResponseType)
	if err != nil {
		return nil, nil, err
	}
	return reqDesc, resDesc, nil
}

// ResolveMessage resolves a (possibly dot-prefixed) fully-qualified message
// name to its descriptor.
func (r *Registry) ResolveMessage(fqn string) (protoreflect.MessageDescriptor, error) {
	name := protoreflect.FullName(strings.TrimPrefix(fqn, "."))
	desc, err := r.files.FindDescriptorByName(name)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve message %q: %w", fqn, err)
	}
	msgDesc, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("registry: %q is not a message", fqn)
	}
	return msgDesc, nil
}

// NewMessage builds a fresh zero-valued dynamic message for the descriptor.
func (r *Registry) NewMessage(desc protoreflect.MessageDescriptor) *dynamicpb.Message {
	return dynamicpb.NewMessage(desc)
}
