package client

import (
	"context"

	"civicportal/location"
	"civicportal/report"
)

// Submitter adapts SubmitProblem to a report form. Drafts without resolved
// coordinates are sent with fallback and carry the typed location as text.
// onSubmitted, when set, runs after the backend accepted the problem.
func (c *Client) Submitter(fallback location.Position, onSubmitted func(p report.Payload, problem *Problem)) report.SubmitFunc {
	return func(ctx context.Context, p report.Payload) error {
		req := ProblemRequest{
			Image:      p.Image,
			Categories: p.Categories,
			OthersText: p.OthersText,
			Priority:   string(p.Priority),
		}
		if p.Position != nil {
			req.Latitude = p.Position.Latitude
			req.Longitude = p.Position.Longitude
		} else {
			req.Latitude = fallback.Latitude
			req.Longitude = fallback.Longitude
			req.Location = p.Location
		}

		problem, err := c.SubmitProblem(ctx, req)
		if err != nil {
			return err
		}
		if onSubmitted != nil {
			onSubmitted(p, problem)
		}
		return nil
	}
}
