// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apiserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleTriggerIndexing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if s.indexing == nil {
			s.renderError(ctx, w, fmt.Errorf("code indexing is disabled: %w", errValidation))
			return
		}

		serviceID := chi.URLParam(r, "service_id")
		if _, err := s.store.GetService(ctx, serviceID); err != nil {
			s.renderError(ctx, w, err)
			return
		}

		forceFull, _ := strconv.ParseBool(r.URL.Query().Get("force_full"))

		result, err := s.indexing(ctx, serviceID, forceFull)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, result)
	}
}
