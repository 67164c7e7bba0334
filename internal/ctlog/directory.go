package ctlog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/certificate-transparency-go/loglist3"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctstream/pkg/models"
	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

// Directory fetches and filters the master CT log list into the set of
// logs this process should poll.
type Directory struct {
	listURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewDirectory(listURL string, log *logrus.Entry) *Directory {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Directory{
		listURL:    listURL,
		httpClient: utils.DefaultHTTPClient(),
		log:        log,
	}
}

// List performs a GET of the configured log list URL, retrying transient
// failures a few times, and returns every log marked usable by its
// operator, in the order received. The list itself is parsed with
// loglist3, the same v3 log_list.json schema type the certificate-
// transparency-go module ships for this exact purpose. A failure that
// survives every retry yields an empty sequence; the caller treats that
// as a terminal startup error.
func (d *Directory) List(ctx context.Context) ([]models.LogDescriptor, error) {
	var list *loglist3.LogList

	err := utils.RetryWithContext(ctx, 3, 2*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.listURL, nil)
		if err != nil {
			return fmt.Errorf("building log list request: %w", err)
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetching log list: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("log list request returned status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading log list: %w", err)
		}

		parsed, err := loglist3.NewFromJSON(body)
		if err != nil {
			return fmt.Errorf("decoding log list: %w", err)
		}
		list = parsed
		return nil
	})
	if err != nil {
		d.log.WithError(err).Error("failed to fetch CT log list after retries")
		return nil, err
	}

	var out []models.LogDescriptor
	for _, op := range list.Operators {
		for _, l := range op.Logs {
			if l.State == nil || l.State.Usable == nil {
				continue
			}
			out = append(out, models.LogDescriptor{
				URL:  strings.TrimSuffix(l.URL, "/"),
				Name: l.Description,
			})
		}
	}
	return out, nil
}
