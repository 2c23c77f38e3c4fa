package nsq

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"
)

// Config holds every knob enumerated in (Configuration
// surface), set generically through Set(name, value) using `opt`/
// `min`/`max` struct tags — the same reflective mechanism go-nsq uses,
// so library users write `cfg.Set("max_in_flight", 200)` instead of
// poking at a flat struct literal.
type Config struct {
	sync.RWMutex
	initOnce sync.Once

	clientID string `opt:"client_id"`
	hostname string `opt:"hostname"`
	userAgent string `opt:"user_agent"`

	maxTries int `opt:"max_tries" min:"0" max:"65535"`
	maxInFlight int `opt:"max_in_flight" min:"1"`
	requeueDelay time.Duration `opt:"requeue_delay" min:"0" max:"60m"`

	discoveryPeriod time.Duration `opt:"discovery_period" min:"5s" max:"5m"`
	discoveryJitter float64 `opt:"discovery_jitter_fraction" min:"0" max:"1"`
	lowReadyIdleTimeout time.Duration `opt:"low_ready_idle_timeout" min:"1s" max:"5m"`
	maxBackoffDuration time.Duration `opt:"max_backoff_duration" min:"0" max:"60m"`
	backoffOnRequeue bool `opt:"backoff_on_requeue"`

	readTimeout time.Duration `opt:"socket_timeout" min:"100ms" max:"5m"`
	writeTimeout time.Duration `opt:"write_timeout" min:"100ms" max:"5m"`

	heartbeatInterval time.Duration `opt:"heartbeat_interval"`
	sampleRate int32 `opt:"sample_rate" min:"0" max:"99"`

	tlsV1 bool `opt:"tls_v1"`
	tlsConfig *tls.Config `opt:"tls_config"`

	deflate bool `opt:"deflate"`
	deflateLevel int `opt:"deflate_level" min:"1" max:"9"`
	snappy bool `opt:"snappy"`

	outputBufferSize int64 `opt:"output_buffer_size"`
	outputBufferTimeout time.Duration `opt:"output_buffer_timeout"`

	authSecret string `opt:"auth_secret"`
}

// NewConfig returns a new Config populated with documented defaults.
func NewConfig() *Config {
	c := &Config{}
	c.initialize()
	return c
}

func (c *Config) initialize() {
	c.initOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		c.clientID = strings.Split(hostname, ".")[0]
		c.hostname = hostname
		c.userAgent = fmt.Sprintf("gonsq/%s", Version)

		c.maxTries = 5
		c.maxInFlight = 1
		c.requeueDelay = 90 * time.Second

		c.discoveryPeriod = 60 * time.Second
		c.discoveryJitter = 0.3
		c.lowReadyIdleTimeout = 10 * time.Second
		c.maxBackoffDuration = 120 * time.Second
		c.backoffOnRequeue = true

		c.readTimeout = 60 * time.Second
		c.writeTimeout = time.Second

		c.deflateLevel = 6
		c.outputBufferSize = 16 * 1024
		c.outputBufferTimeout = 250 * time.Millisecond
		c.heartbeatInterval = 30 * time.Second
	})
}

// Set coerces value into the named option's underlying type, validates
// it against that field's min/max tags, and stores it. It returns an
// error for an unknown option or an out-of-range value.
func (c *Config) Set(option string, value interface{}) error {
	c.Lock()
	defer c.Unlock()

	c.initialize()

	val := reflect.ValueOf(c).Elem()
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		opt := field.Tag.Get("opt")
		if opt == "" || opt != option {
			continue
		}

		fieldVal := unsafeValueOf(val.FieldByName(field.Name))
		coerced, err := coerce(value, field.Type)
		if err != nil {
			return fmt.Errorf("nsq: failed to coerce option %s (%v) - %s", option, value, err)
		}

		if min := field.Tag.Get("min"); min != "" {
			minVal, _ := coerce(min, field.Type)
			if compareValues(coerced, minVal) < 0 {
				return fmt.Errorf("nsq: invalid %s - %v < %v", option, coerced.Interface(), minVal.Interface())
			}
		}
		if max := field.Tag.Get("max"); max != "" {
			maxVal, _ := coerce(max, field.Type)
			if compareValues(coerced, maxVal) > 0 {
				return fmt.Errorf("nsq: invalid %s - %v > %v", option, coerced.Interface(), maxVal.Interface())
			}
		}

		fieldVal.Set(coerced)
		return nil
	}

	return fmt.Errorf("nsq: invalid option %s", option)
}

// Validate checks that max_in_flight is at least 1. Set enforces the
// same bound through the field's min tag; Validate also catches a value
// that was stored without going through Set.
func (c *Config) Validate() error {
	c.RLock()
	defer c.RUnlock()
	if c.maxInFlight < 1 {
		return errors.New("nsq: max_in_flight must be >= 1")
	}
	return nil
}

func (c *Config) clone() *Config {
	c.RLock()
	defer c.RUnlock()
	clone := *c
	clone.initOnce = sync.Once{}
	clone.initOnce.Do(func() {})
	return &clone
}

// unsafeValueOf re-addresses an unexported struct field so it can be
// Set through reflection despite being read via an unexported
// reflect.Value (the same trick go-nsq's Config uses).
func unsafeValueOf(val reflect.Value) reflect.Value {
	ptr := unsafe.Pointer(val.UnsafeAddr())
	return reflect.NewAt(val.Type(), ptr).Elem()
}

func compareValues(a, b reflect.Value) int {
	switch a.Type().String() {
	case "int", "int16", "int32", "int64":
		switch {
		case a.Int() > b.Int():
			return 1
		case a.Int() < b.Int():
			return -1
		}
		return 0
	case "uint", "uint16", "uint32", "uint64":
		switch {
		case a.Uint() > b.Uint():
			return 1
		case a.Uint() < b.Uint():
			return -1
		}
		return 0
	case "float32", "float64":
		switch {
		case a.Float() > b.Float():
			return 1
		case a.Float() < b.Float():
			return -1
		}
		return 0
	case "time.Duration":
		av, bv := a.Interface().(time.Duration), b.Interface().(time.Duration)
		switch {
		case av > bv:
			return 1
		case av < bv:
			return -1
		}
		return 0
	}
	return 0
}

func coerce(v interface{}, typ reflect.Type) (reflect.Value, error) {
	if typ.Kind() == reflect.Ptr {
		return reflect.ValueOf(v), nil
	}

	var coerced interface{}
	var err error

	switch typ.String() {
	case "string":
		coerced, err = coerceString(v)
	case "int", "int16", "int32", "int64":
		coerced, err = coerceInt64(v)
	case "uint", "uint16", "uint32", "uint64":
		coerced, err = coerceUint64(v)
	case "float32", "float64":
		coerced, err = coerceFloat64(v)
	case "bool":
		coerced, err = coerceBool(v)
	case "time.Duration":
		coerced, err = coerceDuration(v)
	default:
		return reflect.Value{}, fmt.Errorf("unsupported option type %s", typ.String())
	}
	if err != nil {
		return reflect.Value{}, err
	}

	return toType(coerced, typ), nil
}

func toType(v interface{}, typ reflect.Type) reflect.Value {
	val := reflect.ValueOf(v)
	if val.Type() == typ {
		return val
	}
	dest := reflect.New(typ).Elem()
	switch typ.Kind() {
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		dest.SetInt(val.Int())
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		dest.SetUint(val.Uint())
	case reflect.Float32, reflect.Float64:
		dest.SetFloat(val.Float())
	case reflect.Bool:
		dest.SetBool(val.Bool())
	case reflect.String:
		dest.SetString(val.String())
	}
	return dest
}

func coerceString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func coerceDuration(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return time.ParseDuration(t)
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid duration value %v", v)
}

func coerceBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("invalid bool value %v", v)
}

func coerceFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("invalid float value %v", v)
}

func coerceInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("invalid int value %v", v)
}

func coerceUint64(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case int:
		return uint64(t), nil
	case uint:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	case string:
		return strconv.ParseUint(t, 10, 64)
	}
	return 0, fmt.Errorf("invalid uint value %v", v)
}
