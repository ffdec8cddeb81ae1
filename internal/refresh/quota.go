package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const quotaURL = "https://app.warp.dev/graphql/v2?op=GetRequestLimitInfo"

const quotaQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          isUnlimited
          nextRefreshTime
          requestLimit
          requestsUsedSinceLastRefresh
          requestLimitRefreshDuration
        }
      }
    }
    ... on UserFacingError {
      error {
        __typename
        message
      }
    }
  }
}`

// Quota is the upstream's per-account request-limit snapshot (spec §4.2
// step 2, grounded on GetRequestLimitInfo).
type Quota struct {
	RequestLimit     int64
	RequestsUsed     int64
	IsUnlimited      bool
	NextRefreshTime  string
	RefreshDuration  string
}

type quotaGraphQLResponse struct {
	Data struct {
		User struct {
			Typename string `json:"__typename"`
			User     struct {
				RequestLimitInfo struct {
					IsUnlimited                  bool   `json:"isUnlimited"`
					NextRefreshTime              string `json:"nextRefreshTime"`
					RequestLimit                 int64  `json:"requestLimit"`
					RequestsUsedSinceLastRefresh int64  `json:"requestsUsedSinceLastRefresh"`
					RequestLimitRefreshDuration  string `json:"requestLimitRefreshDuration"`
				} `json:"requestLimitInfo"`
			} `json:"user"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchQuota calls the upstream GraphQL quota endpoint with a bearer access
// token and returns the account's current request-limit snapshot.
func FetchQuota(ctx context.Context, client *http.Client, clientMeta ClientMeta, accessToken string) (*Quota, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("missing access token")
	}

	payload := map[string]any{
		"operationName": "GetRequestLimitInfo",
		"query":         quotaQuery,
		"variables": map[string]any{
			"requestContext": map[string]any{
				"clientContext": map[string]any{"version": clientMeta.ClientVersion},
				"osContext": map[string]any{
					"category": clientMeta.OSCategory,
					"name":     clientMeta.OSName,
					"version":  clientMeta.OSVersion,
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, quotaURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-warp-client-id", "warp-app")
	req.Header.Set("x-warp-client-version", clientMeta.ClientVersion)
	req.Header.Set("x-warp-os-category", clientMeta.OSCategory)
	req.Header.Set("x-warp-os-name", clientMeta.OSName)
	req.Header.Set("x-warp-os-version", clientMeta.OSVersion)

	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("quota http %d: %s", resp.StatusCode, truncate(string(respBody), 400))
	}

	var parsed quotaGraphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("invalid quota json: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("quota graphql error: %s", parsed.Errors[0].Message)
	}
	if parsed.Data.User.Typename == "UserFacingError" {
		return nil, fmt.Errorf("quota user error: %s", parsed.Data.User.Error.Message)
	}
	if parsed.Data.User.Typename != "UserOutput" {
		return nil, fmt.Errorf("quota unexpected typename: %q", parsed.Data.User.Typename)
	}

	info := parsed.Data.User.User.RequestLimitInfo
	q := &Quota{
		RequestLimit:    info.RequestLimit,
		RequestsUsed:    info.RequestsUsedSinceLastRefresh,
		IsUnlimited:     info.IsUnlimited,
		NextRefreshTime: info.NextRefreshTime,
		RefreshDuration: info.RequestLimitRefreshDuration,
	}
	if q.IsUnlimited {
		q.RequestLimit = -1
		q.RequestsUsed = 0
	}
	if q.RefreshDuration == "" {
		q.RefreshDuration = "WEEKLY"
	}
	return q, nil
}
