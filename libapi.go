package eventwire

import (
	"context"

	runtimepkg "github.com/drblury/eventwire/internal/runtime"
	configpkg "github.com/drblury/eventwire/internal/runtime/config"
	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
	idspkg "github.com/drblury/eventwire/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventwire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventwire/internal/runtime/logging"
	transportpkg "github.com/drblury/eventwire/transport"
	wirepkg "github.com/drblury/eventwire/wire"
	"google.golang.org/protobuf/proto"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies

	Envelope               = runtimepkg.Envelope
	Handler                = runtimepkg.Handler
	SubscriberRegistration = runtimepkg.SubscriberRegistration

	JSONEvent[T any]                                 = runtimepkg.JSONEvent[T]
	JSONSubscriberRegistration[T any]                = runtimepkg.JSONSubscriberRegistration[T]
	ProtoEvent[T proto.Message]                      = runtimepkg.ProtoEvent[T]
	ProtoSubscriberRegistration[T proto.Message]     = runtimepkg.ProtoSubscriberRegistration[T]

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	SubscriberInfo  = runtimepkg.SubscriberInfo
	SubscriberStats = runtimepkg.SubscriberStats
	LatencyMetrics  = runtimepkg.LatencyMetrics
	ErrorBreakdown  = runtimepkg.ErrorBreakdown
	ResourceUsage   = runtimepkg.ResourceUsage
	BusMetrics      = runtimepkg.BusMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error classification
	Error      = errspkg.Error
	ErrorClass = errspkg.Class

	// Wire codec types
	Frame       = wirepkg.Frame
	TypeID      = wirepkg.TypeID
	TypeTable   = wirepkg.TypeTable
	Decoder     = wirepkg.Decoder
	DecodeError = wirepkg.DecodeError

	// Transport plumbing
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TransportConfig       = transportpkg.Config
	Conn                  = transportpkg.Conn
	ConnOptions           = transportpkg.ConnOptions
	Listener              = transportpkg.Listener
	FrameSink             = transportpkg.FrameSink
	BackpressurePolicy    = transportpkg.BackpressurePolicy
)

var (
	NewBus         = runtimepkg.NewBus
	TryNewBus      = runtimepkg.TryNewBus
	ValidateConfig = configpkg.ValidateConfig

	// Delivery lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewBusMetrics = runtimepkg.NewBusMetrics
	NewEnvelope   = runtimepkg.NewEnvelope

	PublishProto         = runtimepkg.PublishProto
	PublishProtoRevision = runtimepkg.PublishProtoRevision

	// Wire codec helpers
	NewTypeID     = wirepkg.NewTypeID
	EncodeFrame   = wirepkg.Encode
	AppendFrame   = wirepkg.Append
	IsDecodeError = wirepkg.IsDecodeError

	// Transport registry. Import individual transports via:
	// _ "github.com/drblury/eventwire/transport/tcp"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	TransportCaps            = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrBusRequired          = errspkg.ErrBusRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrNameRequired         = errspkg.ErrNameRequired
	ErrSchemaRequired       = errspkg.ErrSchemaRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrRegistrySealed       = errspkg.ErrRegistrySealed
	ErrRegistrationConflict = errspkg.ErrRegistrationConflict
	ErrBusStarted           = errspkg.ErrBusStarted
	ErrBusNotStarted        = errspkg.ErrBusNotStarted
	ErrBackpressureExceeded = errspkg.ErrBackpressureExceeded

	ErrConnClosed      = transportpkg.ErrConnClosed
	ErrListenerClosed  = transportpkg.ErrListenerClosed
	ErrNeedMoreData    = wirepkg.ErrNeedMoreData
	ErrUnknownType     = wirepkg.ErrUnknownType
	ErrUnsupportedRev  = wirepkg.ErrUnsupportedRevision
	ErrFrameTooLarge   = wirepkg.ErrFrameTooLarge
	ErrFrameTooShort   = wirepkg.ErrFrameTooShort

	ClassifyError = errspkg.Classify

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	// NewEnvelopeID generates a unique event ID using ULID.
	NewEnvelopeID = idspkg.NewEnvelopeID
)

// Wire format constants.
const (
	FrameHeaderSize     = wirepkg.HeaderSize
	DefaultMaxFrameSize = wirepkg.DefaultMaxFrameSize

	DefaultRevision = runtimepkg.DefaultRevision
)

// Backpressure policy constants for Config.BackpressurePolicy parsing and
// ConnOptions.Policy.
const (
	BackpressureReject = transportpkg.BackpressureReject
	BackpressureBlock  = transportpkg.BackpressureBlock
)

// Error class constants for ClassifyError results.
const (
	ClassInternal          = errspkg.ClassInternal
	ClassBadRequest        = errspkg.ClassBadRequest
	ClassNotFound          = errspkg.ClassNotFound
	ClassUnsupported       = errspkg.ClassUnsupported
	ClassResourceExhausted = errspkg.ClassResourceExhausted
	ClassUnavailable       = errspkg.ClassUnavailable
)

func RegisterJSONSubscriber[T any](bus *Bus, cfg JSONSubscriberRegistration[T]) error {
	return runtimepkg.RegisterJSONSubscriber(bus, cfg)
}

func RegisterProtoSubscriber[T proto.Message](bus *Bus, cfg ProtoSubscriberRegistration[T]) error {
	return runtimepkg.RegisterProtoSubscriber(bus, cfg)
}

func PublishJSON[T any](ctx context.Context, bus *Bus, schema string, payload T) error {
	return runtimepkg.PublishJSON(ctx, bus, schema, payload)
}

func PublishJSONRevision[T any](ctx context.Context, bus *Bus, schema string, revision uint8, payload T) error {
	return runtimepkg.PublishJSONRevision(ctx, bus, schema, revision, payload)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}
