package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseAttrs convierte "k=v" en atributos. "config.host=mq" anida; los
// valores que son JSON válido (números, bools, objetos) se decodifican.
func parseAttrs(kvs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range kvs {
		i := strings.IndexRune(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("atributo inválido %q (esperado key=value)", kv)
		}
		path := strings.Split(strings.TrimSpace(kv[:i]), ".")
		raw := kv[i+1:]

		var v any = raw
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			v = decoded
		}

		cur := out
		for _, p := range path[:len(path)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = v
	}
	return out, nil
}
