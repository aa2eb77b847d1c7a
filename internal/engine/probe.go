package engine

import (
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProbeDocument returns doc with routing.rules removed. Anything else in the
// document is left alone. If doc is not valid JSON or the edit fails, doc is
// returned unmodified.
func ProbeDocument(doc []byte) []byte {
	if !gjson.ValidBytes(doc) {
		log.Debug().Msg("probe document is not valid json, using raw input")
		return doc
	}
	if !gjson.GetBytes(doc, "routing.rules").Exists() {
		return doc
	}
	out, err := sjson.DeleteBytes(doc, "routing.rules")
	if err != nil {
		log.Debug().Err(err).Msg("strip routing rules failed, using raw input")
		return doc
	}
	return out
}
