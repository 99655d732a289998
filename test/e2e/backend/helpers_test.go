package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"agrisense.dev/soil-monitor/internal/backend"
	"agrisense.dev/soil-monitor/internal/summary"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type apiResponse struct {
	Code int
	Body []byte
}

func (r apiResponse) decode(v any) {
	ExpectWithOffset(1, json.Unmarshal(r.Body, v)).To(Succeed(), string(r.Body))
}

func httpGet(url string) (apiResponse, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return apiResponse{Code: resp.StatusCode, Body: body}, err
}

func httpPost(url string, body []byte) (apiResponse, error) {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	return apiResponse{Code: resp.StatusCode, Body: out}, err
}

// publishReading sends a JSON reading to the ingest queue the way the
// generator does.
func publishReading(ctx context.Context, payload any) {
	body, err := json.Marshal(payload)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	err = mqChannel.PublishWithContext(ctx, "", readingQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

// seedReadings stores readings directly, bypassing the queue.
func seedReadings(ctx context.Context, readings ...summary.Reading) {
	store, err := backend.NewReadingStore(db, nil)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	for _, r := range readings {
		_, err := store.Save(ctx, r)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
	}
}

// createUser inserts an account. The is_active column defaults to true, so
// inactive accounts are updated after insertion.
func createUser(username string, active bool) backend.User {
	user := backend.User{Username: username, Email: username + "@example.com", IsActive: true}
	ExpectWithOffset(1, db.Create(&user).Error).To(Succeed())
	if !active {
		ExpectWithOffset(1, db.Model(&user).Update("is_active", false).Error).To(Succeed())
		user.IsActive = false
	}
	return user
}

func activeUserCount() int {
	var n int64
	ExpectWithOffset(1, db.Model(&backend.User{}).Where("is_active = ?", true).Count(&n).Error).To(Succeed())
	return int(n)
}

func soilSummaryURL(day string) string {
	return fmt.Sprintf("%s/api/soil-summary?date=%s", apiURL, day)
}
