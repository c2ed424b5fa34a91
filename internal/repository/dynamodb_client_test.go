package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"voicechat/internal/domain"
)

// fakeDynamo is an in-memory table keyed by PK. It understands the two
// condition expressions the store issues.
type fakeDynamo struct {
	items      map[string]map[string]types.AttributeValue
	order      []string
	pageSize   int
	getErr     error
	putErr     error
	conflicts  int
	puts       int
	scans      int
	lastPutIn  *dynamodb.PutItemInput
	lastScanIn *dynamodb.ScanInput
}

const dynamoItemLimit = 400 << 10

// approxItemSize sums attribute names and values the way DynamoDB sizes items.
func approxItemSize(item map[string]types.AttributeValue) int {
	n := 0
	for k, v := range item {
		n += len(k) + attrSize(v)
	}
	return n
}

func attrSize(v types.AttributeValue) int {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return len(a.Value)
	case *types.AttributeValueMemberN:
		return len(a.Value)
	case *types.AttributeValueMemberM:
		return 3 + approxItemSize(a.Value)
	case *types.AttributeValueMemberL:
		n := 3
		for _, e := range a.Value {
			n += 1 + attrSize(e)
		}
		return n
	}
	return 1
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	if size := approxItemSize(in.Item); size > dynamoItemLimit {
		return nil, fmt.Errorf("ValidationException: item size %d exceeds limit", size)
	}
	if f.conflicts > 0 {
		f.conflicts--
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conflict")}
	}
	pk := pkOf(in.Item)
	current, exists := f.items[pk]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(PK)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "version = :v":
		want := in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value
		if !exists || current["version"].(*types.AttributeValueMemberN).Value != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
		}
	}
	if !exists {
		f.order = append(f.order, pk)
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, pkOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.lastScanIn = in
	f.scans++
	start := 0
	if in.ExclusiveStartKey != nil {
		last := pkOf(in.ExclusiveStartKey)
		for i, pk := range f.order {
			if pk == last {
				start = i + 1
			}
		}
	}
	out := &dynamodb.ScanOutput{}
	for i := start; i < len(f.order); i++ {
		item, ok := f.items[f.order[i]]
		if !ok {
			continue
		}
		out.Items = append(out.Items, item)
		if f.pageSize > 0 && len(out.Items) == f.pageSize && i < len(f.order)-1 {
			out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": item["PK"]}
			break
		}
	}
	return out, nil
}

func mustNewDynamoStore(t *testing.T, db *fakeDynamo, max int) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table", max)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestNewDynamoStore_Validates(t *testing.T) {
	_, err := NewDynamoStore(nil, "t", 10)
	require.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), " ", 10)
	require.Error(t, err)
}

func TestDynamoStore_AppendCreatesItem(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 10)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, "abc", stamped(domain.RoleUser, "hi", ts), msg(domain.RoleAssistant, "hello")))

	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutIn.ConditionExpression))
	item := db.items["SESSION#abc"]
	require.Equal(t, "CONVERSATION", item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2", item["messageCount"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "1", item["version"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, fmt.Sprint(s.now().Add(ttlDuration).Unix()), item["ttl"].(*types.AttributeValueMemberN).Value)

	got, ok, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	require.Equal(t, ts, *got[0].Timestamp)
	require.Nil(t, got[1].Timestamp)
}

func TestDynamoStore_AppendUsesVersionCondition(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 10)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "abc", msg(domain.RoleUser, "one")))
	require.NoError(t, s.Append(ctx, "abc", msg(domain.RoleUser, "two")))

	require.Equal(t, "version = :v", aws.ToString(db.lastPutIn.ConditionExpression))
	require.Equal(t, "1", db.lastPutIn.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)

	got, _, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, contents(got))
}

func TestDynamoStore_AppendRetriesOnConflict(t *testing.T) {
	db := newFakeDynamo()
	db.conflicts = 2
	s := mustNewDynamoStore(t, db, 10)

	require.NoError(t, s.Append(context.Background(), "abc", msg(domain.RoleUser, "hi")))
	require.Equal(t, 3, db.puts)
}

func TestDynamoStore_AppendGivesUpAfterConflicts(t *testing.T) {
	db := newFakeDynamo()
	db.conflicts = appendAttempts
	s := mustNewDynamoStore(t, db, 10)

	err := s.Append(context.Background(), "abc", msg(domain.RoleUser, "hi"))
	require.ErrorIs(t, err, ErrSaveFailed)
	require.Equal(t, appendAttempts, db.puts)
}

func TestDynamoStore_AppendPutError(t *testing.T) {
	db := newFakeDynamo()
	db.putErr = errors.New("throttled")
	s := mustNewDynamoStore(t, db, 10)

	err := s.Append(context.Background(), "abc", msg(domain.RoleUser, "hi"))
	require.ErrorIs(t, err, ErrSaveFailed)
	require.ErrorContains(t, err, "throttled")
	require.Equal(t, 1, db.puts)
}

func TestDynamoStore_GetError(t *testing.T) {
	db := newFakeDynamo()
	db.getErr = errors.New("boom")
	s := mustNewDynamoStore(t, db, 10)

	_, _, err := s.Get(context.Background(), "abc")
	require.ErrorContains(t, err, "boom")
}

func TestDynamoStore_TrimsToCap(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 2)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.Append(ctx, "abc",
			msg(domain.RoleUser, fmt.Sprintf("q%d", i)),
			msg(domain.RoleAssistant, fmt.Sprintf("a%d", i)),
		))
	}
	got, _, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []string{"q2", "a2"}, contents(got))
}

func TestDynamoStore_ClearAndDelete(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 10)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "abc", msg(domain.RoleUser, "hi")))

	require.NoError(t, s.Clear(ctx, "abc"))
	got, ok, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)

	puts := db.puts
	require.NoError(t, s.Clear(ctx, "unknown"))
	require.Equal(t, puts, db.puts)

	require.NoError(t, s.Delete(ctx, "abc"))
	_, ok, err = s.Get(ctx, "abc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoStore_ListPaginatesAndSkipsMalformed(t *testing.T) {
	db := newFakeDynamo()
	db.pageSize = 1
	s := mustNewDynamoStore(t, db, 10)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, "one", stamped(domain.RoleUser, "a", base)))
	require.NoError(t, s.Append(ctx, "two", stamped(domain.RoleUser, "b", base.Add(time.Hour))))

	db.items["SESSION#broken"] = map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "SESSION#broken"},
		"SK":        &types.AttributeValueMemberS{Value: skConversation},
		"sessionId": &types.AttributeValueMemberS{Value: "broken"},
		"messages":  &types.AttributeValueMemberS{Value: "oops"},
	}
	db.order = append(db.order, "SESSION#broken")

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, db.scans)
	require.Equal(t, "SK = :sk", aws.ToString(db.lastScanIn.FilterExpression))
	require.Len(t, convs, 2)
	require.Equal(t, "two", convs[0].SessionID)
	require.Equal(t, "one", convs[1].SessionID)
}

func TestDynamoStore_TrimsLargeSessionsToItemLimit(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewDynamoStore(t, db, 100)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	// 4000 two-byte runes per user turn, 8 KB replies.
	question := strings.Repeat("é", 4000)
	reply := strings.Repeat("x", 8<<10)
	for i := range 50 {
		require.NoError(t, s.Append(ctx, "long",
			stamped(domain.RoleUser, fmt.Sprintf("%d:%s", i, question), ts),
			stamped(domain.RoleAssistant, fmt.Sprintf("%d:%s", i, reply), ts),
		))
	}

	got, _, err := s.Get(ctx, "long")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Less(t, len(got), 100)
	require.Equal(t, domain.RoleUser, got[0].Role)
	require.True(t, strings.HasPrefix(got[len(got)-1].Content, "49:"))
	require.LessOrEqual(t, approxItemSize(db.items["SESSION#long"]), maxItemBytes+(1<<10))
}

func TestTrimToSize(t *testing.T) {
	in := []domain.Message{
		msg(domain.RoleUser, strings.Repeat("a", 100)),
		msg(domain.RoleAssistant, strings.Repeat("b", 100)),
		msg(domain.RoleUser, "q"),
		msg(domain.RoleAssistant, "a"),
	}
	require.Len(t, trimToSize(in, 1<<20), 4)

	budget := messageBytes(in[1]) + messageBytes(in[2]) + messageBytes(in[3])
	require.Equal(t, []string{"q", "a"}, contents(trimToSize(in, budget)))
}
