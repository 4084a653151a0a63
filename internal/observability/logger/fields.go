package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op crea un campo para la operación actual.
func Op(v string) zap.Field { return zap.String("op", v) }

// Err crea un campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Attempt crea un campo para el número de intento (retries).
func Attempt(v int) zap.Field { return zap.Int("attempt", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - DISCOVERY
// =================================================================================

// Kind crea un campo para el tipo de servicio anunciado ("type" en el wire).
func Kind(v string) zap.Field { return zap.String("kind", v) }

// PeerID crea un campo para el id de instancia de un peer.
func PeerID(v string) zap.Field { return zap.String("peer_id", v) }

// Mandate crea un campo para el nombre de un mandate.
func Mandate(v string) zap.Field { return zap.String("mandate", v) }

// Requirement crea un campo para el id de un requirement de la barrera.
func Requirement(v string) zap.Field { return zap.String("requirement", v) }

// Outstanding crea un campo con los requirements pendientes.
func Outstanding(v []string) zap.Field { return zap.Strings("outstanding", v) }

// Topic crea un campo para el canal/exchange de transporte.
func Topic(v string) zap.Field { return zap.String("topic", v) }

// Ready crea un campo para el flag ready de un anuncio.
func Ready(v bool) zap.Field { return zap.Bool("ready", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el request ID.
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field { return zap.String("method", v) }

// Path crea un campo para el path del request.
func Path(v string) zap.Field { return zap.String("path", v) }

// Status crea un campo para el status code de la respuesta.
func Status(v int) zap.Field { return zap.Int("status", v) }

// Bytes crea un campo para los bytes escritos.
func Bytes(v int) zap.Field { return zap.Int("bytes", v) }

// DurationMs crea un campo para la duración en milisegundos.
func DurationMs(v int64) zap.Field { return zap.Int64("duration_ms", v) }

// Layer crea un campo para la capa (controller, service, ...).
func Layer(v string) zap.Field { return zap.String("layer", v) }

// =================================================================================
// CAMPOS GENÉRICOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field { return zap.Int("count", v) }

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field { return zap.Any(key, v) }

// String crea un campo string genérico.
func String(key, v string) zap.Field { return zap.String(key, v) }

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field { return zap.Int(key, v) }

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
