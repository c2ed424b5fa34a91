package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"voicechat/internal/domain"
)

const (
	skConversation = "CONVERSATION"
	ttlDuration    = 30 * 24 * time.Hour // 30-day TTL
	appendAttempts = 3

	// DynamoDB rejects items over 400 KB; leave room for the other attributes.
	maxItemBytes = 350 << 10
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps one item per session in a DynamoDB table. Writes are
// guarded by a version attribute so concurrent appends never lose turns.
type DynamoStore struct {
	api         dynamodbAPI
	tableName   string
	maxMessages  int
	maxItemBytes int
	now          func() time.Time
}

// NewDynamoStore creates a store backed by tableName.
func NewDynamoStore(api dynamodbAPI, tableName string, maxMessages int) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:          api,
		tableName:    tableName,
		maxMessages:  normalizeMax(maxMessages),
		maxItemBytes: maxItemBytes,
		now:          time.Now,
	}, nil
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func (s *DynamoStore) key(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skConversation},
	}
}

type storedConversation struct {
	messages []domain.Message
	version  int
}

func (s *DynamoStore) load(ctx context.Context, sessionID string) (*storedConversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	msgs, err := itemToMessages(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: decode %q: %w", sessionID, err)
	}
	version, err := intAttr(out.Item, "version")
	if err != nil {
		return nil, fmt.Errorf("repository: decode %q: %w", sessionID, err)
	}
	return &storedConversation{messages: msgs, version: version}, nil
}

func (s *DynamoStore) Get(ctx context.Context, sessionID string) ([]domain.Message, bool, error) {
	conv, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if conv == nil {
		return nil, false, nil
	}
	return conv.messages, true, nil
}

// Append retries when another writer bumped the version in between.
func (s *DynamoStore) Append(ctx context.Context, sessionID string, msgs ...domain.Message) error {
	id, ok := sessionKey(sessionID)
	if !ok {
		return ErrEmptySessionID
	}
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		conv, err := s.load(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSaveFailed, err)
		}
		var existing []domain.Message
		version := 0
		if conv != nil {
			existing, version = conv.messages, conv.version
		}
		next := trimToSize(trimHistory(append(existing, msgs...), s.maxMessages), s.maxItemBytes)

		lastErr = s.put(ctx, id, next, version, conv != nil)
		if lastErr == nil {
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(lastErr, &ccf) {
			break
		}
		slog.Warn("conversation changed concurrently, retrying", "session_id", id, "attempt", attempt)
	}
	return fmt.Errorf("%w: append %q: %v", ErrSaveFailed, id, lastErr)
}

func (s *DynamoStore) put(ctx context.Context, sessionID string, msgs []domain.Message, version int, exists bool) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.conversationItem(sessionID, msgs, version+1),
	}
	if exists {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
		}
	} else {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}
	_, err := s.api.PutItem(ctx, in)
	return err
}

// Clear empties a session but keeps it known. Unknown sessions are a no-op.
func (s *DynamoStore) Clear(ctx context.Context, sessionID string) error {
	conv, err := s.load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if conv == nil {
		return nil
	}
	if err := s.put(ctx, sessionID, nil, conv.version, true); err != nil {
		return fmt.Errorf("%w: clear %q: %v", ErrSaveFailed, sessionID, err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(sessionID),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrSaveFailed, sessionID, err)
	}
	return nil
}

// List scans every conversation item. Malformed items are skipped.
func (s *DynamoStore) List(ctx context.Context) ([]domain.Conversation, error) {
	var (
		out      []domain.Conversation
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: skConversation},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: scan: %w", err)
		}
		for _, item := range page.Items {
			id, err := strAttr(item, "sessionId")
			if err != nil {
				slog.Warn("skipping malformed conversation item", "err", err)
				continue
			}
			msgs, err := itemToMessages(item)
			if err != nil {
				slog.Warn("skipping malformed conversation item", "session_id", id, "err", err)
				continue
			}
			out = append(out, domain.Conversation{SessionID: id, Messages: msgs})
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	sortConversations(out)
	return out, nil
}

// Close is a no-op; every write is already durable.
func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) conversationItem(sessionID string, msgs []domain.Message, version int) map[string]types.AttributeValue {
	now := s.now().UTC()
	list := make([]types.AttributeValue, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, messageAttr(m))
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":           &types.AttributeValueMemberS{Value: skConversation},
		"sessionId":    &types.AttributeValueMemberS{Value: sessionID},
		"messages":     &types.AttributeValueMemberL{Value: list},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(len(msgs))},
		"lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		"version":      &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttlDuration).Unix(), 10)},
	}
}

// messageBytes approximates the stored size of one entry in the messages list.
func messageBytes(m domain.Message) int {
	n := len("role") + len(m.Role) + len("content") + len(m.Content) + 8
	if m.Timestamp != nil {
		n += len("timestamp") + len(time.RFC3339Nano)
	}
	return n
}

// trimToSize drops the oldest messages until the list fits in budget bytes.
func trimToSize(msgs []domain.Message, budget int) []domain.Message {
	total := 0
	for _, m := range msgs {
		total += messageBytes(m)
	}
	start := 0
	for start < len(msgs) && total > budget {
		total -= messageBytes(msgs[start])
		start++
	}
	if start == 0 {
		return msgs
	}
	for start < len(msgs) && msgs[start].Role == domain.RoleAssistant {
		start++
	}
	return msgs[start:]
}

func messageAttr(m domain.Message) types.AttributeValue {
	fields := map[string]types.AttributeValue{
		"role":    &types.AttributeValueMemberS{Value: m.Role},
		"content": &types.AttributeValueMemberS{Value: m.Content},
	}
	if m.Timestamp != nil {
		fields["timestamp"] = &types.AttributeValueMemberS{Value: m.Timestamp.UTC().Format(time.RFC3339Nano)}
	}
	return &types.AttributeValueMemberM{Value: fields}
}

// itemToMessages decodes the messages list of a conversation item.
func itemToMessages(item map[string]types.AttributeValue) ([]domain.Message, error) {
	v, ok := item["messages"]
	if !ok {
		return []domain.Message{}, nil
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, errors.New("repository: attribute \"messages\" is not a list")
	}
	msgs := make([]domain.Message, 0, len(list.Value))
	for i, raw := range list.Value {
		m, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: message %d is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return nil, err
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return nil, err
		}
		msg := domain.Message{Role: role, Content: content}
		if ts, err := strAttr(m.Value, "timestamp"); err == nil { // optional
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("repository: message %d timestamp: %w", i, err)
			}
			msg.Timestamp = &parsed
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
