/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

const modelsPageSize = 1000

// ListModels returns every model visible to the current key
func (c *Client) ListModels(ctx context.Context) ([]capability.ModelInfo, error) {
	var (
		models []capability.ModelInfo
		token  string
	)

	for {
		page, err := c.listModels(ctx, modelsPageSize, token)
		if err != nil {
			return nil, err
		}
		for _, m := range page.Models {
			models = append(models, capability.ModelInfo{
				Name:        m.Name,
				DisplayName: m.DisplayName,
				Methods:     m.SupportedGenerationMethods,
			})
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	if logging.Logger != nil {
		logging.Logger.Debug("Listed models", zap.Int("count", len(models)))
	}
	return models, nil
}

// ListVoices returns the prebuilt speech voices. The API offers no voice
// listing, so these are the voices the speech models accept by name.
func (c *Client) ListVoices(ctx context.Context) ([]capability.Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return capability.DefaultSnapshot().Voices, nil
}

// ValidateCredential checks the current key with the cheapest authenticated call
func (c *Client) ValidateCredential(ctx context.Context) error {
	_, err := c.listModels(ctx, 1, "")
	return err
}

func (c *Client) listModels(ctx context.Context, pageSize int, token string) (modelList, error) {
	var out modelList

	query := url.Values{"pageSize": {strconv.Itoa(pageSize)}}
	if token != "" {
		query.Set("pageToken", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?"+query.Encode(), nil)
	if err != nil {
		return out, &dispatch.TransportError{Code: codes.InvalidArgument, Message: "failed to build request", Err: err}
	}

	resp, err := c.do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &dispatch.TransportError{Code: codes.Internal, Message: "malformed model listing", Err: err}
	}
	return out, nil
}
