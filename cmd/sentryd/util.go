package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// envSliceToMap turns a repeated --env KEY=VALUE flag into the map shape
// process.Spec.Env expects; entries without '=' are ignored.
func envSliceToMap(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
