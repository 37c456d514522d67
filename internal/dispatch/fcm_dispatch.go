package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// FCMDispatcher posts notifications to the FCM HTTP v1 endpoint. Each student
// device subscribes to the topic "student_<id>", so no token registry is kept
// server side.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func studentTopic(id int64) string { return "student_" + strconv.FormatInt(id, 10) }

type fcmMessage struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      fcmAndroid        `json:"android"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

func (f *FCMDispatcher) Push(ctx context.Context, studentID int64, n models.Notification) error {
	priority := "normal"
	if n.Data.Metadata.IsUrgent {
		priority = "high"
	}
	msg := fcmMessage{
		Topic:        studentTopic(studentID),
		Notification: fcmNotification{Title: n.Data.Title, Body: n.Data.Message},
		// FCM data values must be strings
		Data: map[string]string{
			"type":          n.Type,
			"urgency":       n.Data.Urgency,
			"captainId":     strconv.FormatInt(n.Data.CaptainID, 10),
			"routeName":     n.Data.RouteName,
			"stopName":      n.Data.StopName,
			"distance":      strconv.FormatFloat(n.Data.Distance, 'f', 3, 64),
			"estimatedTime": strconv.Itoa(n.Data.EstimatedTime),
		},
		Android: fcmAndroid{Priority: priority},
	}
	b, err := json.Marshal(map[string]any{"message": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fcm status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
