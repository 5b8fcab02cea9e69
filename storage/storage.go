// Package storage keeps per-user records in Azure Table Storage, accepts
// writes as commands on an Azure queue and caches list reads in Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"docket/domain"
)

// ErrNotFound is returned for missing records.
var ErrNotFound = errors.New("record not found")

// Record is one stored entity of a user.
type Record struct {
	UserID    string
	Entity    domain.EntityType
	ID        string
	Fields    domain.Fields
	UpdatedAt time.Time
}

// Ref returns the record's reference.
func (r Record) Ref() domain.Ref {
	return domain.Ref{Entity: r.Entity, ID: r.ID}
}

// Message is a dequeued command with its receipt.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
	Dequeued   int64
}

// Storage provides access to the records table and the command queue.
type Storage struct {
	records  *aztables.Client
	commands *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, recordsTable, commandQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{records: svc.NewClient(recordsTable), commands: cq}, nil
}

type recordEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	EntityType   string `json:"EntityType"`
	EntityID     string `json:"EntityID"`
	Data         string `json:"Data"`
	UpdatedAt    int64  `json:"UpdatedAt"`
}

func rowKey(ref domain.Ref) string {
	return string(ref.Entity) + "_" + ref.ID
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func decodeRecord(data []byte) (Record, error) {
	var ent recordEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return Record{}, err
	}
	r := Record{
		UserID:    ent.PartitionKey,
		Entity:    domain.EntityType(ent.EntityType),
		ID:        ent.EntityID,
		UpdatedAt: time.Unix(0, ent.UpdatedAt),
	}
	if ent.Data != "" {
		if err := sonic.UnmarshalString(ent.Data, &r.Fields); err != nil {
			return Record{}, fmt.Errorf("record %s data: %w", ent.RowKey, err)
		}
	}
	return r, nil
}

func encodeRecord(r Record) ([]byte, error) {
	data, err := sonic.MarshalString(r.Fields)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(recordEntity{
		PartitionKey: r.UserID,
		RowKey:       rowKey(r.Ref()),
		EntityType:   string(r.Entity),
		EntityID:     r.ID,
		Data:         data,
		UpdatedAt:    r.UpdatedAt.UnixNano(),
	})
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// ListRecords returns the user's records of one entity type.
func (s *Storage) ListRecords(ctx context.Context, userID string, entity domain.EntityType) ([]Record, error) {
	filter := "PartitionKey eq " + quote(userID) + " and EntityType eq " + quote(string(entity))
	pager := s.records.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	records := []Record{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			r, err := decodeRecord(e)
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
	}
	return records, nil
}

// GetRecord loads one record.
func (s *Storage) GetRecord(ctx context.Context, userID string, ref domain.Ref) (Record, error) {
	resp, err := s.records.GetEntity(ctx, userID, rowKey(ref), nil)
	if err != nil {
		if isStatus(err, 404) {
			return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, ref.Entity, ref.ID)
		}
		return Record{}, err
	}
	return decodeRecord(resp.Value)
}

// PutRecord creates or replaces a record.
func (s *Storage) PutRecord(ctx context.Context, r Record) error {
	payload, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = s.records.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteRecord removes a record. Missing records are not an error.
func (s *Storage) DeleteRecord(ctx context.Context, userID string, ref domain.Ref) error {
	_, err := s.records.DeleteEntity(ctx, userID, rowKey(ref), nil)
	if err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// EnqueueCommand sends a command to the command queue.
func (s *Storage) EnqueueCommand(ctx context.Context, cmd Command) error {
	text, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = s.commands.EnqueueMessage(ctx, text, nil)
	return err
}

// Dequeue retrieves a single command message, or nil when the queue is
// empty.
func (s *Storage) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := s.commands.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	if m.DequeueCount != nil {
		msg.Dequeued = *m.DequeueCount
	}
	return msg, nil
}

// Ack removes a processed message from the queue.
func (s *Storage) Ack(ctx context.Context, m *Message) error {
	_, err := s.commands.DeleteMessage(ctx, m.ID, m.PopReceipt, nil)
	return err
}
