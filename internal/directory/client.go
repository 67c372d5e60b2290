// Package directory is the client for the external job/user directory
// service. The engine only ever reads from it: live job prices, creators,
// durations, and user identities.
package directory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/circuitbreaker"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *logrus.Logger
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "directory",
			MaxFailures: 5,
			Timeout:     15 * time.Second,
			MaxRequests: 2,
		}, logger),
		logger: logger,
	}
}

func (c *Client) GetJob(jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.get(fmt.Sprintf("/jobs/%s", jobID), "job", jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetUser(userID string) (*models.User, error) {
	var user models.User
	if err := c.get(fmt.Sprintf("/users/%s", userID), "user", userID, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) get(path, kind, id string, out interface{}) error {
	// A 404 is an answer, not a fault; it must not trip the breaker.
	var notFound error
	err := c.breaker.Execute(func() error {
		resp, err := c.httpClient.Get(c.baseURL + path)
		if err != nil {
			c.logger.WithError(err).WithField("path", path).Error("Directory request failed")
			return fmt.Errorf("directory request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			notFound = apperrors.NotFoundf("%s %s does not exist", kind, id)
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("directory returned status %d for %s", resp.StatusCode, path)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode directory response: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return notFound
}
