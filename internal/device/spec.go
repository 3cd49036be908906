package device

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
)

// DefaultPort is the port assumed when a device host has none.
const DefaultPort = 49153

const maxIDLength = 64

var (
	// IDs end up in MQTT topics and URL paths, so no separators or wildcards.
	idRegex      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	serviceRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// defaultServicePaths lists the event services each kind exposes when the
// specification does not name any.
var defaultServicePaths = map[Kind][]EventService{
	KindSwitch:     {{Name: ServiceBasicEvent, EventSubURL: "/upnp/event/basicevent1"}},
	KindInsight:    {{Name: ServiceBasicEvent, EventSubURL: "/upnp/event/basicevent1"}, {Name: ServiceInsight, EventSubURL: "/upnp/event/insight1"}},
	KindAttributes: {{Name: ServiceBasicEvent, EventSubURL: "/upnp/event/basicevent1"}},
}

// Spec describes a device to build.
type Spec struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     Kind           `json:"kind"`
	Host     string         `json:"host"`
	Services []EventService `json:"services,omitempty"`
}

// Validate checks the specification.
// EventSubURL values may be absolute or a path relative to Host.
func (s Spec) Validate() error {
	if s.ID == "" || len(s.ID) > maxIDLength || !idRegex.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q must match %s (max %d chars)", ErrInvalidSpec, s.ID, idRegex, maxIDLength)
	}
	if s.Host == "" {
		return fmt.Errorf("%w: device %s: host is required", ErrInvalidSpec, s.ID)
	}
	if _, ok := defaultServicePaths[s.Kind]; !ok && s.Kind != KindGeneric {
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	if s.Kind == KindGeneric && len(s.Services) == 0 {
		return fmt.Errorf("%w: device %s: generic devices need at least one service", ErrInvalidSpec, s.ID)
	}

	seen := make(map[string]struct{}, len(s.Services))
	for _, svc := range s.Services {
		if !serviceRegex.MatchString(svc.Name) {
			return fmt.Errorf("%w: device %s: service name %q", ErrInvalidSpec, s.ID, svc.Name)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("%w: device %s: duplicate service %q", ErrInvalidSpec, s.ID, svc.Name)
		}
		seen[svc.Name] = struct{}{}
		if svc.EventSubURL == "" {
			return fmt.Errorf("%w: device %s: service %s: event_sub_url is required", ErrInvalidSpec, s.ID, svc.Name)
		}
	}
	return nil
}

// New builds a device from its specification.
//
// Parameters:
//   - spec: Device specification (validated here)
//
// Returns:
//   - Device: One of *Switch, *Insight, *Attributes or *Generic
//   - error: ErrInvalidSpec or ErrUnknownKind on bad input
func New(spec Spec) (Device, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	spec.Host = normaliseHost(spec.Host)

	services := spec.Services
	if len(services) == 0 {
		services = defaultServicePaths[spec.Kind]
	}
	resolved := make([]EventService, 0, len(services))
	for _, svc := range services {
		u, err := resolveURL(spec.Host, svc.EventSubURL)
		if err != nil {
			return nil, fmt.Errorf("%w: device %s: service %s: %v", ErrInvalidSpec, spec.ID, svc.Name, err)
		}
		resolved = append(resolved, EventService{Name: svc.Name, EventSubURL: u})
	}

	b := newBase(spec, resolved)
	switch spec.Kind {
	case KindSwitch:
		return &Switch{base: b}, nil
	case KindInsight:
		return &Insight{base: b}, nil
	case KindAttributes:
		return &Attributes{base: b}, nil
	default:
		return &Generic{base: b}, nil
	}
}

// normaliseHost appends DefaultPort when host has no port.
func normaliseHost(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

// resolveURL turns a service path into an absolute http URL on host.
func resolveURL(host, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if r.IsAbs() {
		if r.Scheme != "http" {
			return "", fmt.Errorf("unsupported scheme %q", r.Scheme)
		}
		return r.String(), nil
	}
	baseURL := &url.URL{Scheme: "http", Host: host, Path: "/"}
	return baseURL.ResolveReference(r).String(), nil
}
