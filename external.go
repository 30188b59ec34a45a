package sessionsync

import (
	"context"
	"sync"

	"github.com/spf13/viper"
	"google.golang.org/grpc/grpclog"
)

// Defaults seed the display fields of a new session
type Defaults struct {
	Amount            float64
	Origin            string
	Destination       string
	EstimatedDelivery string
	Weight            string
	TrackingPrefix    string
}

// FallbackDefaults are used when the defaults provider is unavailable
var FallbackDefaults = Defaults{
	Amount:            0,
	Origin:            "Central depot",
	Destination:       "",
	EstimatedDelivery: "2-3 business days",
	Weight:            "1 kg",
	TrackingPrefix:    "TRK",
}

// DefaultsProvider returns defaults for new sessions
type DefaultsProvider interface {
	GetDefaults(ctx context.Context) (*Defaults, error)
}

// DefaultsFunc adapts a function to DefaultsProvider
type DefaultsFunc func(ctx context.Context) (*Defaults, error)

func (f DefaultsFunc) GetDefaults(ctx context.Context) (*Defaults, error) {
	return f(ctx)
}

// ViperDefaults reads defaults from configuration keys prefixed with "defaults."
type ViperDefaults struct {
	V *viper.Viper
}

func (d *ViperDefaults) GetDefaults(context.Context) (*Defaults, error) {
	v := d.V
	if v == nil {
		v = viper.GetViper()
	}
	return &Defaults{
		Amount:            v.GetFloat64("defaults.amount"),
		Origin:            firstVal(v.GetString("defaults.origin"), FallbackDefaults.Origin),
		Destination:       v.GetString("defaults.destination"),
		EstimatedDelivery: firstVal(v.GetString("defaults.estimatedDelivery"), FallbackDefaults.EstimatedDelivery),
		Weight:            firstVal(v.GetString("defaults.weight"), FallbackDefaults.Weight),
		TrackingPrefix:    firstVal(v.GetString("defaults.trackingPrefix"), FallbackDefaults.TrackingPrefix),
	}, nil
}

// Notifier delivers an outbound notice. Calls are fire and forget for the caller.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier writes notices to a logger
type LogNotifier struct {
	Logger grpclog.LoggerV2
}

func (n *LogNotifier) Notify(_ context.Context, text string) error {
	n.Logger.Infof("NOTIFY: %s", text)
	return nil
}

// IPDetector returns the address of the client, or an empty string when unknown
type IPDetector interface {
	DetectClientIP(ctx context.Context) (string, error)
}

// StaticIP is an IPDetector returning a fixed address
type StaticIP string

func (ip StaticIP) DetectClientIP(context.Context) (string, error) {
	return string(ip), nil
}

// IDKeeper persists the session id on the client side
type IDKeeper interface {
	// LoadID returns an empty id when nothing is stored
	LoadID(ctx context.Context) (string, error)
	SaveID(ctx context.Context, id string) error
}

// MemoryIDKeeper keeps the id in memory
type MemoryIDKeeper struct {
	mu sync.Mutex
	id string
}

func (k *MemoryIDKeeper) LoadID(context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.id, nil
}

func (k *MemoryIDKeeper) SaveID(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.id = id
	return nil
}

func firstVal(vals ...string) string {
	for _, val := range vals {
		if val != "" {
			return val
		}
	}
	return ""
}
