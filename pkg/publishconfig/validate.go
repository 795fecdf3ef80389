package publishconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// validator walks the generic decoded document and records every problem it
// finds rather than stopping at the first one.
type validator struct {
	problems []error
}

func (v *validator) fail(format string, args ...any) {
	v.problems = append(v.problems, fmt.Errorf(format, args...))
}

func (v *validator) runConfig(doc any) *RunConfig {
	root, ok := asObject(doc)
	if !ok {
		v.fail("config file must contain a top-level object")
		return nil
	}

	cfg := &RunConfig{Global: DefaultSettings()}

	if raw, present := root["mqtt_broker"]; !present {
		v.fail("config file must contain 'mqtt_broker' section")
	} else if broker, ok := asObject(raw); !ok {
		v.fail("'mqtt_broker' must be an object")
	} else {
		cfg.Broker = v.broker(broker)
	}

	if raw, present := root["machines"]; !present {
		v.fail("config file must contain a 'machines' array")
	} else if machines, ok := raw.([]any); !ok {
		v.fail("'machines' must be an array")
	} else if len(machines) == 0 {
		v.fail("'machines' must contain at least one entry")
	} else {
		cfg.Machines = make([]MachineJob, 0, len(machines))
		for i, entry := range machines {
			cfg.Machines = append(cfg.Machines, v.machine(i, entry))
		}
	}

	if raw, present := root["global_settings"]; present && raw != nil {
		if settings, ok := asObject(raw); ok {
			o := v.overrides("global_settings", settings)
			cfg.Global = cfg.SettingsFor(MachineJob{Overrides: o})
		} else {
			v.fail("'global_settings' must be an object")
		}
	}

	return cfg
}

func (v *validator) broker(m map[string]any) BrokerConfig {
	b := BrokerConfig{
		ClientID:  DefaultClientID,
		KeepAlive: DefaultKeepAlive,
		Scheme:    DefaultScheme,
	}

	if raw, present := m["host"]; !present {
		v.fail("MQTT broker config missing required field: host")
	} else if host, ok := raw.(string); !ok || host == "" {
		v.fail("MQTT broker field 'host' must be a non-empty string")
	} else {
		b.Host = host
	}

	if raw, present := m["port"]; !present {
		v.fail("MQTT broker config missing required field: port")
	} else if port, ok := asInt(raw); !ok || port < 1 || port > 65535 {
		v.fail("MQTT broker field 'port' must be an integer between 1 and 65535, got %v", raw)
	} else {
		b.Port = port
	}

	v.optionalString(m, "mqtt_broker", "client_id", &b.ClientID)
	v.optionalString(m, "mqtt_broker", "username", &b.Username)
	v.optionalString(m, "mqtt_broker", "password", &b.Password)
	v.optionalString(m, "mqtt_broker", "ca_cert_file", &b.CACertFile)
	v.optionalString(m, "mqtt_broker", "client_cert_file", &b.ClientCertFile)
	v.optionalString(m, "mqtt_broker", "client_key_file", &b.ClientKeyFile)
	v.optionalBool(m, "mqtt_broker", "retain", &b.Retain)
	v.optionalBool(m, "mqtt_broker", "insecure_skip_verify", &b.InsecureSkipVerify)

	if v.optionalString(m, "mqtt_broker", "scheme", &b.Scheme) {
		switch b.Scheme {
		case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		default:
			v.fail("MQTT broker field 'scheme' has unsupported value %q", b.Scheme)
		}
	}

	// paho sends keepalive in whole seconds.
	if raw, present := m["keepalive"]; present && raw != nil {
		if secs, ok := v.seconds("MQTT broker field 'keepalive'", "0 or a number of seconds of at least 1", raw,
			func(d time.Duration) bool { return d == 0 || d >= time.Second }); ok {
			b.KeepAlive = secs
		}
	}

	if raw, present := m["qos"]; present && raw != nil {
		if qos, ok := asInt(raw); !ok || qos < 0 || qos > 2 {
			v.fail("MQTT broker field 'qos' must be 0, 1 or 2, got %v", raw)
		} else {
			b.QoS = byte(qos)
		}
	}

	return b
}

func (v *validator) machine(i int, entry any) MachineJob {
	m, ok := asObject(entry)
	if !ok {
		v.fail("machine entry %d must be an object", i)
		return MachineJob{}
	}

	var job MachineJob
	if raw, present := m["type"]; !present {
		v.fail("machine entry %d missing required 'type' field", i)
	} else if s, ok := raw.(string); !ok || s == "" {
		v.fail("machine entry %d field 'type' must be a non-empty string", i)
	} else {
		job.Type = s
	}

	if raw, present := m["topic"]; !present {
		v.fail("machine entry %d missing required 'topic' field", i)
	} else if s, ok := raw.(string); !ok || s == "" {
		v.fail("machine entry %d field 'topic' must be a non-empty string", i)
	} else {
		job.Topic = s
	}

	job.Overrides = v.overrides(fmt.Sprintf("machine entry %d", i), m)
	return job
}

// overrides reads publish_timeout, retry_attempts and retry_delay from m.
// Absent keys stay nil.
func (v *validator) overrides(where string, m map[string]any) Overrides {
	var o Overrides

	if raw, present := m["publish_timeout"]; present && raw != nil {
		if d, ok := v.seconds(where+": 'publish_timeout'", "a positive number of seconds", raw,
			func(d time.Duration) bool { return d > 0 }); ok {
			o.PublishTimeout = &d
		}
	}
	if raw, present := m["retry_attempts"]; present && raw != nil {
		if n, ok := asInt(raw); !ok || n < 1 {
			v.fail("%s: 'retry_attempts' must be an integer of at least 1, got %v", where, raw)
		} else {
			o.RetryAttempts = &n
		}
	}
	if raw, present := m["retry_delay"]; present && raw != nil {
		if d, ok := v.seconds(where+": 'retry_delay'", "a non-negative number of seconds", raw,
			func(d time.Duration) bool { return d >= 0 }); ok {
			o.RetryDelay = &d
		}
	}
	return o
}

// optionalString copies m[key] into dst when present and reports whether it did.
func (v *validator) optionalString(m map[string]any, section, key string, dst *string) bool {
	raw, present := m[key]
	if !present || raw == nil {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		v.fail("%s field '%s' must be a string, got %v", section, key, raw)
		return false
	}
	*dst = s
	return true
}

func (v *validator) optionalBool(m map[string]any, section, key string, dst *bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return
	}
	b, ok := raw.(bool)
	if !ok {
		v.fail("%s field '%s' must be a boolean, got %v", section, key, raw)
		return
	}
	*dst = b
}

// asObject accepts both map shapes produced by the JSON and YAML decoders.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = val
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// maxSeconds is the largest whole number of seconds a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// seconds converts raw, a possibly fractional number of seconds, to a
// Duration and checks it with valid. Problems are recorded against field.
func (v *validator) seconds(field, want string, raw any, valid func(time.Duration) bool) (time.Duration, bool) {
	f, ok := asFloat(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		v.fail("%s must be %s, got %v", field, want, raw)
		return 0, false
	}
	if math.Abs(f) > float64(maxSeconds) {
		v.fail("%s is out of range: %v exceeds the maximum of %d seconds", field, raw, maxSeconds)
		return 0, false
	}
	d := time.Duration(f * float64(time.Second))
	if !valid(d) {
		v.fail("%s must be %s, got %v", field, want, raw)
		return 0, false
	}
	return d, true
}
