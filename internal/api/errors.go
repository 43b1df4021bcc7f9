package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	respond "github.com/mycelian/shardtracker/internal/api/respond"
	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/pkg/wire"
)

// writeServiceError maps tracker errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var ce model.ConflictError
	switch {
	case errors.As(err, &ce):
		var current *wire.ShardRecord
		if ce.Current != nil {
			rec := wire.ShardRecordFrom(ce.Current)
			current = &rec
		}
		respond.WriteConflict(w, ce.Field, err.Error(), current)
	case model.IsInvalidTransitionError(err):
		respond.WriteUnprocessable(w, err.Error())
	case model.IsNotFoundError(err):
		respond.WriteNotFound(w, err.Error())
	case model.IsInvalidArgumentError(err):
		respond.WriteBadRequest(w, err.Error())
	default:
		log.Error().Stack().Err(err).Msg("unexpected tracker error")
		respond.WriteInternalError(w, err.Error())
	}
}
