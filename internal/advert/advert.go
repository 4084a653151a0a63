// Package advert define el Advertisement: la autodescripción que cada proceso
// publica a sus peers, y su codec JSON de wire.
//
// Wire format (UTF-8 JSON):
//
//	{ "type": "service.queue", "id": "<uuid>", "ready": true, ...atributos libres }
//
// Los atributos viajan "aplanados" al lado de las claves reservadas.
package advert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Claves reservadas del wire format.
const (
	KeyType  = "type"
	KeyID    = "id"
	KeyReady = "ready"
)

// ErrMalformedRecord indica un anuncio que no se pudo interpretar.
// Es no-fatal: el receptor lo descarta y sigue.
var ErrMalformedRecord = errors.New("advert: malformed record")

// Advertisement es la autodescripción de un proceso.
// El proceso que publica es su único dueño; los peers reciben copias de solo lectura.
type Advertisement struct {
	ID         string
	Kind       string
	Attributes map[string]any
	Ready      bool
}

// New crea un anuncio con un ID de instancia nuevo y ready=false.
func New(kind string, attrs map[string]any) Advertisement {
	return Advertisement{
		ID:         uuid.NewString(),
		Kind:       kind,
		Attributes: cloneMap(attrs),
	}
}

// Clone retorna una copia profunda (los atributos no se comparten).
func (a Advertisement) Clone() Advertisement {
	a.Attributes = cloneMap(a.Attributes)
	return a
}

// Validate verifica los invariantes mínimos del anuncio.
func (a Advertisement) Validate() error {
	if a.Kind == "" {
		return fmt.Errorf("%w: missing %q", ErrMalformedRecord, KeyType)
	}
	for k := range a.Attributes {
		switch k {
		case KeyType, KeyID, KeyReady:
			return fmt.Errorf("%w: attribute %q is reserved", ErrMalformedRecord, k)
		}
	}
	return nil
}

// MarshalJSON aplana los atributos junto a type/id/ready.
func (a Advertisement) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Attributes)+3)
	for k, v := range a.Attributes {
		out[k] = v
	}
	out[KeyType] = a.Kind
	if a.ID != "" {
		out[KeyID] = a.ID
	}
	out[KeyReady] = a.Ready
	return json.Marshal(out)
}

// UnmarshalJSON es el inverso de MarshalJSON. Cualquier violación del esquema
// (type ausente o no-string, ready no-bool, id no-string) es ErrMalformedRecord.
func (a *Advertisement) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", ErrMalformedRecord)
	}

	kind, ok := raw[KeyType].(string)
	if !ok || kind == "" {
		return fmt.Errorf("%w: %q must be a non-empty string", ErrMalformedRecord, KeyType)
	}
	delete(raw, KeyType)

	var id string
	if v, present := raw[KeyID]; present {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %q must be a string", ErrMalformedRecord, KeyID)
		}
		id = s
		delete(raw, KeyID)
	}

	var ready bool
	if v, present := raw[KeyReady]; present {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: %q must be a bool", ErrMalformedRecord, KeyReady)
		}
		ready = b
		delete(raw, KeyReady)
	}

	if len(raw) == 0 {
		raw = nil
	}
	*a = Advertisement{ID: id, Kind: kind, Attributes: raw, Ready: ready}
	return nil
}

// Encode serializa el anuncio para el wire.
func Encode(a Advertisement) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// Decode interpreta un payload del wire.
func Decode(payload []byte) (Advertisement, error) {
	var a Advertisement
	if err := json.Unmarshal(payload, &a); err != nil {
		if errors.Is(err, ErrMalformedRecord) {
			return Advertisement{}, err
		}
		return Advertisement{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return a, nil
}

// Lookup navega atributos anidados: Lookup("config", "host").
func (a Advertisement) Lookup(path ...string) (any, bool) {
	var cur any = a.Attributes
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, len(path) > 0
}

// StringAt retorna el atributo anidado como string ("" si no existe).
// Números y bools se formatean.
func (a Advertisement) StringAt(path ...string) string {
	v, ok := a.Lookup(path...)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// IntAt retorna el atributo anidado como int.
func (a Advertisement) IntAt(path ...string) (int, bool) {
	v, ok := a.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
