package models

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// BuilderFn builds a Module from its serialized configuration. The raw message is the
// architecture-specific config object, e.g. diffusion.GuidanceNetConfig for
// "GuidanceNet". A nil or empty message means "all defaults".
type BuilderFn func(config json.RawMessage) (Module, error)

var (
	muRegistry sync.Mutex
	registry   = make(map[string]BuilderFn)
)

// Register makes an architecture instantiable by name through New and Decode.
// Registering the same name twice is a programming error and panics. Architectures
// usually call Register from an init function.
func Register(arch string, builder BuilderFn) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[arch]; found {
		exceptions.Panicf("models.Register: architecture %q registered twice", arch)
	}
	registry[arch] = builder
}

// Architectures returns the sorted names of all registered architectures.
func Architectures() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New instantiates a registered architecture from its serialized configuration.
func New(arch string, config json.RawMessage) (Module, error) {
	muRegistry.Lock()
	builder, found := registry[arch]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("models.New: architecture %q is not registered (registered: %v)",
			arch, Architectures())
	}
	module, err := builder(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "models.New: building architecture %q", arch)
	}
	return module, nil
}

// configEnvelope is the on-disk representation of a model configuration: the
// architecture name discriminator plus the architecture-specific config object.
type configEnvelope struct {
	Arch   string          `json:"arch"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EncodeConfig serializes an architecture name and its configuration to the envelope
// format understood by Decode.
func EncodeConfig(arch string, config any) ([]byte, error) {
	var raw json.RawMessage
	if config != nil {
		var err error
		raw, err = json.Marshal(config)
		if err != nil {
			return nil, errors.Wrapf(err, "models.EncodeConfig: marshaling config for %q", arch)
		}
	}
	data, err := json.Marshal(configEnvelope{Arch: arch, Config: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "models.EncodeConfig: marshaling envelope for %q", arch)
	}
	return data, nil
}

// Decode re-instantiates a Module from an envelope produced by EncodeConfig.
func Decode(data []byte) (Module, error) {
	var envelope configEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "models.Decode: unmarshaling envelope")
	}
	if envelope.Arch == "" {
		return nil, errors.New(`models.Decode: envelope is missing the "arch" field`)
	}
	return New(envelope.Arch, envelope.Config)
}
