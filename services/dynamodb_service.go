package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"advisor/config"
	"advisor/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	conversationPrefix = "conv#"
	messagePrefix      = "msg#"
)

// dynamoAPI は DynamoHistoryStore が使う DynamoDB クライアントの操作
type dynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoHistoryStore は会話履歴を 1 つのテーブルに保存します。
// パーティションキーは UserID、ソートキーは
//
//	conv#<conversationID>
//	msg#<conversationID>#<createdAt>#<messageID>
type DynamoHistoryStore struct {
	db             dynamoAPI
	table          string
	enableFeedback bool
	now            func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewDynamoHistoryStore(ctx context.Context, cfg *config.Config) (*DynamoHistoryStore, error) {
	client, err := GetDynamoDBClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := newDynamoHistoryStore(client, cfg.HistoryTable, cfg.HistoryEnableFeedback)
	store.ensureTableExists(ctx)
	return store, nil
}

func newDynamoHistoryStore(db dynamoAPI, table string, enableFeedback bool) *DynamoHistoryStore {
	return &DynamoHistoryStore{
		db:             db,
		table:          table,
		enableFeedback: enableFeedback,
		now:            time.Now,
	}
}

// GetDynamoDBClient は DYNAMODB_ENDPOINT が設定されていれば DynamoDB Local 向けのクライアントを返します
func GetDynamoDBClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.HistoryRegion),
	}

	if cfg.HistoryEndpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: cfg.HistoryEndpoint,
			}, nil
		})
		opts = append(opts,
			awsconfig.WithEndpointResolverWithOptions(customResolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *DynamoHistoryStore) ensureTableExists(ctx context.Context) {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("UserID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("SortKey"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("UserID"),
				KeyType:       types.KeyTypeHash, // パーティションキー
			},
			{
				AttributeName: aws.String("SortKey"),
				KeyType:       types.KeyTypeRange, // ソートキー
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return
		}
		log.Printf("Table might already exist: %v", err)
	}
}

func (s *DynamoHistoryStore) Ensure(ctx context.Context) error {
	out, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %w", s.table, err)
	}
	if out.Table == nil || out.Table.TableStatus != types.TableStatusActive {
		return fmt.Errorf("table %s is not active", s.table)
	}
	return nil
}

func (s *DynamoHistoryStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := s.timestamp()
	conversation := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      conversationItem(conversation),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conversation, nil
}

func (s *DynamoHistoryStore) GetConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(userID, conversationPrefix+conversationID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return conversationFromItem(out.Item), nil
}

func (s *DynamoHistoryStore) UpsertConversation(ctx context.Context, conversation *models.Conversation) (*models.Conversation, error) {
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      conversationItem(conversation),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return conversation, nil
}

func (s *DynamoHistoryStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(userID, conversationPrefix+conversationID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *DynamoHistoryStore) ListConversations(ctx context.Context, userID string, offset, limit int) ([]models.Conversation, error) {
	items, err := s.queryPrefix(ctx, userID, conversationPrefix, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	conversations := make([]models.Conversation, 0, len(items))
	for _, item := range items {
		conversations = append(conversations, *conversationFromItem(item))
	}

	// 新しい順にソート
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(conversations) {
		return []models.Conversation{}, nil
	}
	conversations = conversations[offset:]
	if limit > 0 && limit < len(conversations) {
		conversations = conversations[:limit]
	}
	return conversations, nil
}

func (s *DynamoHistoryStore) CreateMessage(ctx context.Context, messageID, conversationID, userID string, input models.InputMessage) (*models.ChatMessage, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	message := &models.ChatMessage{
		ID:             messageID,
		ConversationID: conversationID,
		UserID:         userID,
		Role:           input.Role,
		Content:        input.Content,
		CreatedAt:      s.timestamp(),
	}

	item := messageItem(message)
	if s.enableFeedback {
		item["Feedback"] = &types.AttributeValueMemberS{Value: ""}
	}

	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	// 会話の updatedAt を進める
	err = s.setAttribute(ctx, itemKey(userID, conversationPrefix+conversationID), "UpdatedAt", formatTimestamp(message.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}
	return message, nil
}

func (s *DynamoHistoryStore) GetMessages(ctx context.Context, userID, conversationID string) ([]models.ChatMessage, error) {
	items, err := s.queryPrefix(ctx, userID, messageSortPrefix(conversationID), "")
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	messages := make([]models.ChatMessage, 0, len(items))
	for _, item := range items {
		messages = append(messages, *messageFromItem(item))
	}
	return messages, nil
}

func (s *DynamoHistoryStore) DeleteMessages(ctx context.Context, userID, conversationID string) error {
	items, err := s.queryPrefix(ctx, userID, messageSortPrefix(conversationID), "")
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}

	for _, item := range items {
		_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       itemKey(userID, stringAttr(item, "SortKey")),
		})
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
	}
	return nil
}

func (s *DynamoHistoryStore) UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) (*models.ChatMessage, error) {
	items, err := s.queryPrefix(ctx, userID, messagePrefix, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}

	item := items[0]
	if err := s.setAttribute(ctx, itemKey(userID, stringAttr(item, "SortKey")), "Feedback", feedback); err != nil {
		return nil, err
	}

	message := messageFromItem(item)
	message.Feedback = feedback
	return message, nil
}

// setAttribute は既存アイテムの属性を 1 つ更新します。アイテムが無ければ ErrNotFound
func (s *DynamoHistoryStore) setAttribute(ctx context.Context, key map[string]types.AttributeValue, name, value string) error {
	placeholder := strings.ToLower(name)
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 key,
		UpdateExpression:    aws.String(fmt.Sprintf("SET #%s = :%s", placeholder, placeholder)),
		ConditionExpression: aws.String("attribute_exists(SortKey)"),
		ExpressionAttributeNames: map[string]string{
			"#" + placeholder: name,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":" + placeholder: &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update %s: %w", name, err)
	}
	return nil
}

// queryPrefix はソートキーが prefix で始まるアイテムをページを辿って全件取得します
func (s *DynamoHistoryStore) queryPrefix(ctx context.Context, userID, prefix, messageID string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("UserID = :uid AND begins_with(SortKey, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid":    &types.AttributeValueMemberS{Value: userID},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ScanIndexForward:  aws.Bool(true), // 古い順
			ExclusiveStartKey: startKey,
		}
		if messageID != "" {
			input.FilterExpression = aws.String("#id = :mid")
			input.ExpressionAttributeNames = map[string]string{"#id": "ID"}
			input.ExpressionAttributeValues[":mid"] = &types.AttributeValueMemberS{Value: messageID}
		}

		out, err := s.db.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return items, nil
}

// timestamp は同じストア内で単調増加する UTC 時刻を返します
func (s *DynamoHistoryStore) timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func itemKey(userID, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"UserID":  &types.AttributeValueMemberS{Value: userID},
		"SortKey": &types.AttributeValueMemberS{Value: sortKey},
	}
}

func messageSortPrefix(conversationID string) string {
	return messagePrefix + conversationID + "#"
}

func conversationItem(c *models.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"UserID":    &types.AttributeValueMemberS{Value: c.UserID},
		"SortKey":   &types.AttributeValueMemberS{Value: conversationPrefix + c.ID},
		"Type":      &types.AttributeValueMemberS{Value: "conversation"},
		"ID":        &types.AttributeValueMemberS{Value: c.ID},
		"Title":     &types.AttributeValueMemberS{Value: c.Title},
		"CreatedAt": &types.AttributeValueMemberS{Value: formatTimestamp(c.CreatedAt)},
		"UpdatedAt": &types.AttributeValueMemberS{Value: formatTimestamp(c.UpdatedAt)},
	}
}

func conversationFromItem(item map[string]types.AttributeValue) *models.Conversation {
	return &models.Conversation{
		ID:        stringAttr(item, "ID"),
		UserID:    stringAttr(item, "UserID"),
		Title:     stringAttr(item, "Title"),
		CreatedAt: parseTimestamp(stringAttr(item, "CreatedAt")),
		UpdatedAt: parseTimestamp(stringAttr(item, "UpdatedAt")),
	}
}

func messageItem(m *models.ChatMessage) map[string]types.AttributeValue {
	createdAt := formatTimestamp(m.CreatedAt)
	return map[string]types.AttributeValue{
		"UserID":         &types.AttributeValueMemberS{Value: m.UserID},
		"SortKey":        &types.AttributeValueMemberS{Value: messageSortPrefix(m.ConversationID) + createdAt + "#" + m.ID},
		"Type":           &types.AttributeValueMemberS{Value: "message"},
		"ID":             &types.AttributeValueMemberS{Value: m.ID},
		"ConversationID": &types.AttributeValueMemberS{Value: m.ConversationID},
		"Role":           &types.AttributeValueMemberS{Value: m.Role},
		"Content":        &types.AttributeValueMemberS{Value: m.Content},
		"CreatedAt":      &types.AttributeValueMemberS{Value: createdAt},
	}
}

func messageFromItem(item map[string]types.AttributeValue) *models.ChatMessage {
	return &models.ChatMessage{
		ID:             stringAttr(item, "ID"),
		ConversationID: stringAttr(item, "ConversationID"),
		UserID:         stringAttr(item, "UserID"),
		Role:           stringAttr(item, "Role"),
		Content:        stringAttr(item, "Content"),
		CreatedAt:      parseTimestamp(stringAttr(item, "CreatedAt")),
		Feedback:       stringAttr(item, "Feedback"),
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
