package grpcexport

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"google.golang.org/grpc"

	"github.com/fullstorydev/grpcexport/internal"
)

// Route is a registered method: where it lives, its cardinality, and how to
// build the strategy for a new stream.
type Route struct {
	Service     string
	Method      string
	Cardinality Cardinality
	Factory     StrategyFactory
}

// FullMethod returns the method name in "/service/method" format, which is
// also the HTTP/2 :path of requests for it.
func (r *Route) FullMethod() string {
	return fmt.Sprintf("/%s/%s", r.Service, r.Method)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// Registry accumulates routes. The routes can be registered once, and then
// re-used to configure multiple transports that should expose the same
// handlers. A Registry is safe for concurrent use, but routes are normally
// registered before any transport starts serving.
type Registry struct {
	unaryInts  []grpc.UnaryServerInterceptor
	streamInts []grpc.StreamServerInterceptor

	mu       sync.RWMutex
	routes   map[string]*Route
	services map[string]*serviceEntry
}

type serviceEntry struct {
	metadata any
	methods  []grpc.MethodInfo
}

var _ grpc.ServiceRegistrar = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		routes:   map[string]*Route{},
		services: map[string]*serviceEntry{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterStreamHandler registers the strategy factory for the given method.
// Registering the same method twice panics.
func (r *Registry) RegisterStreamHandler(service, method string, c Cardinality, f StrategyFactory) {
	if f == nil {
		panic(fmt.Sprintf("method /%s/%s: nil strategy factory", service, method))
	}
	r.addRoute(&Route{Service: service, Method: method, Cardinality: c, Factory: f}, nil)
}

func (r *Registry) addRoute(rt *Route, svcMetadata any) {
	full := rt.FullMethod()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[full]; ok {
		panic(fmt.Sprintf("method %s: handler already registered", full))
	}
	r.routes[full] = rt
	svc := r.services[rt.Service]
	if svc == nil {
		svc = &serviceEntry{}
		r.services[rt.Service] = svc
	}
	if svcMetadata != nil {
		svc.metadata = svcMetadata
	}
	svc.methods = append(svc.methods, grpc.MethodInfo{
		Name:           rt.Method,
		IsClientStream: rt.Cardinality.ClientStreams(),
		IsServerStream: rt.Cardinality.ServerStreams(),
	})
}

// HandleUnary registers a unary endpoint.
func (r *Registry) HandleUnary(service, method string, cfg EndpointConfig, fn UnaryFunc) {
	ep := newEndpoint(fmt.Sprintf("/%s/%s", service, method), cfg, r.unaryInterceptor())
	r.RegisterStreamHandler(service, method, Unary, func() Strategy {
		return &unaryStrategy{endpoint: ep, fn: fn}
	})
}

// HandleClientStream registers a client-streaming endpoint. The handler is
// called with each request message, and finally with the end-of-stream
// request, whose response becomes the single reply. A response with effect
// End or Close before that ends the RPC early.
func (r *Registry) HandleClientStream(service, method string, cfg EndpointConfig, fn UnaryFunc) {
	ep := newEndpoint(fmt.Sprintf("/%s/%s", service, method), cfg, r.unaryInterceptor())
	r.RegisterStreamHandler(service, method, ClientStreaming, func() Strategy {
		return &clientStreamStrategy{endpoint: ep, fn: fn}
	})
}

// HandleServerStream registers a server-streaming endpoint. The handler is
// called once, with the only request message. The RPC ends when it returns,
// or earlier if it sends a response with effect End or Close.
func (r *Registry) HandleServerStream(service, method string, cfg EndpointConfig, fn StreamFunc) {
	ep := newEndpoint(fmt.Sprintf("/%s/%s", service, method), cfg, r.unaryInterceptor())
	r.RegisterStreamHandler(service, method, ServerStreaming, func() Strategy {
		return &serverStreamStrategy{endpoint: ep, fn: fn}
	})
}

// HandleBidiStream registers a bidirectional endpoint. The handler is called
// for each request message and once more with the end-of-stream request;
// calls never overlap. The RPC ends after the end-of-stream call returns, or
// earlier if a response has effect End or Close.
func (r *Registry) HandleBidiStream(service, method string, cfg EndpointConfig, fn StreamFunc) {
	ep := newEndpoint(fmt.Sprintf("/%s/%s", service, method), cfg, r.unaryInterceptor())
	r.RegisterStreamHandler(service, method, BidiStreaming, func() Strategy {
		return &bidiStrategy{endpoint: ep, fn: fn}
	})
}

// RegisterService registers the methods of a service description, as
// generated by protoc-gen-go-grpc, with the given implementation. Unary
// methods are handled like unary endpoints; streaming methods run their
// handler against a grpc.ServerStream fed by the stream's events.
func (r *Registry) RegisterService(desc *grpc.ServiceDesc, impl any) {
	if desc.HandlerType != nil {
		ht := reflect.TypeOf(desc.HandlerType).Elem()
		st := reflect.TypeOf(impl)
		if !st.Implements(ht) {
			panic(fmt.Sprintf("service %s: handler of type %v does not satisfy %v", desc.ServiceName, st, ht))
		}
	}
	desc = InterceptServer(desc, r.unaryInterceptor(), chainStreamServer(r.streamInts))
	for i := range desc.Methods {
		md := &desc.Methods[i]
		rt := &Route{Service: desc.ServiceName, Method: md.MethodName, Cardinality: Unary}
		rt.Factory = func() Strategy {
			return &descUnaryStrategy{fullMethod: rt.FullMethod(), impl: impl, desc: md}
		}
		r.addRoute(rt, desc.Metadata)
	}
	for i := range desc.Streams {
		sd := &desc.Streams[i]
		rt := &Route{Service: desc.ServiceName, Method: sd.StreamName, Cardinality: cardinalityOf(sd)}
		rt.Factory = func() Strategy {
			return &descStreamStrategy{fullMethod: rt.FullMethod(), impl: impl, desc: sd}
		}
		r.addRoute(rt, desc.Metadata)
	}
}

func cardinalityOf(sd *grpc.StreamDesc) Cardinality {
	switch {
	case sd.ClientStreams && sd.ServerStreams:
		return BidiStreaming
	case sd.ClientStreams:
		return ClientStreaming
	case sd.ServerStreams:
		return ServerStreaming
	default:
		return Unary
	}
}

func (r *Registry) unaryInterceptor() grpc.UnaryServerInterceptor {
	return chainUnaryServer(r.unaryInts)
}

// Lookup returns the route for the given service and method.
func (r *Registry) Lookup(service, method string) (*Route, bool) {
	return r.LookupPath(fmt.Sprintf("/%s/%s", service, method))
}

// LookupPath returns the route for a request path of the form
// "/service/method".
func (r *Registry) LookupPath(path string) (*Route, bool) {
	if _, _, ok := internal.SplitMethodName(path); !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[path]
	return rt, ok
}

// ForEach calls the given function for each registered route, in order of
// their full method names.
func (r *Registry) ForEach(fn func(*Route)) {
	r.mu.RLock()
	routes := make([]*Route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.mu.RUnlock()
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].FullMethod() < routes[j].FullMethod()
	})
	for _, rt := range routes {
		fn(rt)
	}
}

// GetServiceInfo returns information about the registered services, in the
// form *grpc.Server reports it. This allows a registry to be the source for
// server reflection.
func (r *Registry) GetServiceInfo() map[string]grpc.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make(map[string]grpc.ServiceInfo, len(r.services))
	for name, svc := range r.services {
		methods := make([]grpc.MethodInfo, len(svc.methods))
		copy(methods, svc.methods)
		ret[name] = grpc.ServiceInfo{
			Methods:  methods,
			Metadata: svc.metadata,
		}
	}
	return ret
}
