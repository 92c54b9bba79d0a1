package portalsdk

import (
	"context"
	"fmt"
	"net/http"
)

// ListNotifications returns the most recent notifications.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var list List[Notification]
	if err := c.do(ctx, http.MethodGet, "/notifications/", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, list.Err()
}

// UnreadCount returns the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		UnreadCount *int `json:"unread_count"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count/", nil, &resp); err != nil {
		return 0, err
	}
	if resp.UnreadCount == nil || *resp.UnreadCount < 0 {
		return 0, fmt.Errorf("%w: missing unread_count", ErrMalformedResponse)
	}
	return *resp.UnreadCount, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/notifications/%d/", id),
		map[string]bool{"is_read": true}, nil)
}

// MarkAllNotificationsRead marks every notification read and returns how
// many changed.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	var resp struct {
		UpdatedCount int `json:"updated_count"`
	}
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-all-read/", nil, &resp); err != nil {
		return 0, err
	}
	return resp.UpdatedCount, nil
}
