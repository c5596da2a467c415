package timestamp

import (
	"context"

	"github.com/ecosign/ecocert/pkg/remote"
)

// HTTPService calls a remote validation endpoint that accepts
// {token, manifestHash} and answers with a ServiceVerdict.
type HTTPService struct {
	url    string
	client *remote.Client
}

func NewHTTPService(url string, client *remote.Client) *HTTPService {
	return &HTTPService{url: url, client: client}
}

func (s *HTTPService) Validate(ctx context.Context, req ServiceRequest) (*ServiceVerdict, error) {
	var out ServiceVerdict
	if err := s.client.PostJSON(ctx, s.url, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
