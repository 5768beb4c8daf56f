package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"parishai/pkg/domain"
)

// DynamoConfig wires the DynamoDB-backed store. Endpoint and static
// credentials are for local stacks; in AWS the default chain applies.
type DynamoConfig struct {
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	TablePrefix string
}

// DynamoStore implements Store on DynamoDB. Documents are keyed by
// fileId alone, so inserts can be made conditional and the
// scan-then-branch upsert race of older deployments cannot occur.
type DynamoStore struct {
	client        *dynamodb.Client
	documentTable string
	promptTable   string
	usageTable    string
}

// NewDynamoStore builds the client and resolves table names from the
// prefix (prefix "parishai" -> "parishai-documents" etc.).
func NewDynamoStore(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, errors.New("dynamo region required")
	}
	prefix := strings.TrimSpace(cfg.TablePrefix)
	if prefix == "" {
		prefix = "parishai"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &DynamoStore{
		client:        dynamodb.NewFromConfig(awsCfg, clientOpts...),
		documentTable: prefix + "-documents",
		promptTable:   prefix + "-prompts",
		usageTable:    prefix + "-usage",
	}, nil
}

// documentItem is the DynamoDB shape of a document record.
type documentItem struct {
	FileID           string            `dynamodbav:"fileId"`
	AssistantID      string            `dynamodbav:"assistantId"`
	Timestamp        string            `dynamodbav:"timestamp"`
	FileName         string            `dynamodbav:"fileName"`
	Title            string            `dynamodbav:"title,omitempty"`
	PageCount        int               `dynamodbav:"pageCount,omitempty"`
	VectorStoreID    string            `dynamodbav:"vectorStoreId"`
	UploaderID       string            `dynamodbav:"uploaderId"`
	UnitID           string            `dynamodbav:"unitId,omitempty"`
	AccessType       string            `dynamodbav:"accessType"`
	StorageKey       string            `dynamodbav:"storageKey,omitempty"`
	Summary          string            `dynamodbav:"summary,omitempty"`
	Devotional       string            `dynamodbav:"devotional,omitempty"`
	BibleStudy       string            `dynamodbav:"bibleStudy,omitempty"`
	GenerationStatus string            `dynamodbav:"generationStatus"`
	LastError        string            `dynamodbav:"lastError,omitempty"`
	LaneErrors       map[string]string `dynamodbav:"laneErrors,omitempty"`
	ProcessingTimeMs int64             `dynamodbav:"processingTimeMs,omitempty"`
	AttemptCount     int               `dynamodbav:"attemptCount"`
	UpdatedAt        string            `dynamodbav:"updatedAt"`
}

type promptItem struct {
	Key       string `dynamodbav:"promptKey"`
	Text      string `dynamodbav:"text"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

type usageItem struct {
	UserID           string `dynamodbav:"userId"`
	YearMonth        string `dynamodbav:"yearMonth"`
	PromptTokens     int64  `dynamodbav:"promptTokens"`
	CompletionTokens int64  `dynamodbav:"completionTokens"`
	TotalTokens      int64  `dynamodbav:"totalTokens"`
	RetrievalTokens  int64  `dynamodbav:"retrievalTokens"`
	UpdatedAt        string `dynamodbav:"updatedAt"`
}

func (s *DynamoStore) InsertDocument(ctx context.Context, rec domain.DocumentRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	item, err := attributevalue.MarshalMap(documentToItem(rec))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.documentTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(fileId)"),
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrDocumentExists
		}
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetDocument(ctx context.Context, fileID string) (domain.DocumentRecord, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.documentTable),
		Key:       documentKey(fileID),
	})
	if err != nil {
		return domain.DocumentRecord{}, false, fmt.Errorf("get document: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.DocumentRecord{}, false, nil
	}
	var item documentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.DocumentRecord{}, false, fmt.Errorf("unmarshal document: %w", err)
	}
	return documentFromItem(item), true, nil
}

func (s *DynamoStore) FindByVectorStoreFile(ctx context.Context, vectorStoreID, fileName string) (domain.DocumentRecord, bool, error) {
	recs, err := s.scanDocuments(ctx,
		"vectorStoreId = :vs AND fileName = :fn",
		map[string]ddbtypes.AttributeValue{
			":vs": &ddbtypes.AttributeValueMemberS{Value: vectorStoreID},
			":fn": &ddbtypes.AttributeValueMemberS{Value: fileName},
		})
	if err != nil {
		return domain.DocumentRecord{}, false, err
	}
	if len(recs) == 0 {
		return domain.DocumentRecord{}, false, nil
	}
	return recs[0], true, nil
}

func (s *DynamoStore) HasFileName(ctx context.Context, assistantID, fileName string) (bool, error) {
	// Dynamo filter expressions cannot compare case-insensitively, so
	// the filename check happens client-side after narrowing by
	// assistant.
	recs, err := s.scanDocuments(ctx,
		"assistantId = :as",
		map[string]ddbtypes.AttributeValue{
			":as": &ddbtypes.AttributeValueMemberS{Value: assistantID},
		})
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if sameFileName(rec.FileName, fileName) {
			return true, nil
		}
	}
	return false, nil
}

func (s *DynamoStore) ListByAssistant(ctx context.Context, assistantID string) ([]domain.DocumentRecord, error) {
	return s.scanDocuments(ctx,
		"assistantId = :as",
		map[string]ddbtypes.AttributeValue{
			":as": &ddbtypes.AttributeValueMemberS{Value: assistantID},
		})
}

func (s *DynamoStore) scanDocuments(ctx context.Context, filter string, values map[string]ddbtypes.AttributeValue) ([]domain.DocumentRecord, error) {
	var recs []domain.DocumentRecord
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.documentTable),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan documents: %w", err)
		}
		var items []documentItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal documents: %w", err)
		}
		for _, item := range items {
			recs = append(recs, documentFromItem(item))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return recs, nil
}

func (s *DynamoStore) MarkProcessing(ctx context.Context, fileID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.documentTable),
		Key:                 documentKey(fileID),
		ConditionExpression: aws.String("attribute_exists(fileId)"),
		UpdateExpression:    aws.String("SET generationStatus = :st, updatedAt = :now ADD attemptCount :one"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":st":  &ddbtypes.AttributeValueMemberS{Value: string(domain.GenerationProcessing)},
			":now": &ddbtypes.AttributeValueMemberS{Value: nowRFC3339()},
			":one": &ddbtypes.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (s *DynamoStore) ApplyGeneration(ctx context.Context, fileID string, update GenerationUpdate) error {
	expr := "SET generationStatus = :st, lastError = :le, processingTimeMs = :pt, updatedAt = :now"
	values := map[string]ddbtypes.AttributeValue{
		":st":  &ddbtypes.AttributeValueMemberS{Value: string(update.Status)},
		":le":  &ddbtypes.AttributeValueMemberS{Value: update.LastError},
		":pt":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", update.ProcessingTimeMs)},
		":now": &ddbtypes.AttributeValueMemberS{Value: nowRFC3339()},
	}
	if update.Summary != "" {
		expr += ", summary = :su"
		values[":su"] = &ddbtypes.AttributeValueMemberS{Value: update.Summary}
	}
	if update.Devotional != "" {
		expr += ", devotional = :de"
		values[":de"] = &ddbtypes.AttributeValueMemberS{Value: update.Devotional}
	}
	if update.BibleStudy != "" {
		expr += ", bibleStudy = :bs"
		values[":bs"] = &ddbtypes.AttributeValueMemberS{Value: update.BibleStudy}
	}
	if len(update.LaneErrors) > 0 {
		laneErrors, err := attributevalue.Marshal(update.LaneErrors)
		if err != nil {
			return fmt.Errorf("marshal lane errors: %w", err)
		}
		expr += ", laneErrors = :lerr"
		values[":lerr"] = laneErrors
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.documentTable),
		Key:                       documentKey(fileID),
		ConditionExpression:       aws.String("attribute_exists(fileId)"),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("apply generation: %w", err)
	}
	return nil
}

func (s *DynamoStore) DeleteDocument(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.documentTable),
		Key:       documentKey(fileID),
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetPrompt(ctx context.Context, key string) (domain.PromptRecord, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.promptTable),
		Key: map[string]ddbtypes.AttributeValue{
			"promptKey": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return domain.PromptRecord{}, false, fmt.Errorf("get prompt: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.PromptRecord{}, false, nil
	}
	var item promptItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.PromptRecord{}, false, fmt.Errorf("unmarshal prompt: %w", err)
	}
	return domain.PromptRecord{
		Key:       item.Key,
		Text:      item.Text,
		UpdatedAt: parseRFC3339(item.UpdatedAt),
	}, true, nil
}

func (s *DynamoStore) SavePrompt(ctx context.Context, rec domain.PromptRecord) error {
	item, err := attributevalue.MarshalMap(promptItem{
		Key:       rec.Key,
		Text:      rec.Text,
		UpdatedAt: nowRFC3339(),
	})
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.promptTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}
	return nil
}

func (s *DynamoStore) AddUsage(ctx context.Context, userID, yearMonth string, delta domain.TokenUsage) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.usageTable),
		Key:       usageKey(userID, yearMonth),
		UpdateExpression: aws.String(
			"SET updatedAt = :now ADD promptTokens :p, completionTokens :c, totalTokens :t, retrievalTokens :r"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberS{Value: nowRFC3339()},
			":p":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta.PromptTokens)},
			":c":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta.CompletionTokens)},
			":t":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta.TotalTokens)},
			":r":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta.RetrievalTokens)},
		},
	})
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetUsage(ctx context.Context, userID, yearMonth string) (domain.TokenUsage, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.usageTable),
		Key:       usageKey(userID, yearMonth),
	})
	if err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("get usage: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.TokenUsage{}, false, nil
	}
	var item usageItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("unmarshal usage: %w", err)
	}
	return domain.TokenUsage{
		UserID:           item.UserID,
		YearMonth:        item.YearMonth,
		PromptTokens:     item.PromptTokens,
		CompletionTokens: item.CompletionTokens,
		TotalTokens:      item.TotalTokens,
		RetrievalTokens:  item.RetrievalTokens,
		UpdatedAt:        parseRFC3339(item.UpdatedAt),
	}, true, nil
}

func (s *DynamoStore) ResetUsage(ctx context.Context, userID, yearMonth string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.usageTable),
		Key:       usageKey(userID, yearMonth),
		UpdateExpression: aws.String(
			"SET promptTokens = :z, completionTokens = :z, totalTokens = :z, retrievalTokens = :z, updatedAt = :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":z":   &ddbtypes.AttributeValueMemberN{Value: "0"},
			":now": &ddbtypes.AttributeValueMemberS{Value: nowRFC3339()},
		},
	})
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

func documentKey(fileID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"fileId": &ddbtypes.AttributeValueMemberS{Value: fileID},
	}
}

func usageKey(userID, yearMonth string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"userId":    &ddbtypes.AttributeValueMemberS{Value: userID},
		"yearMonth": &ddbtypes.AttributeValueMemberS{Value: yearMonth},
	}
}

func documentToItem(rec domain.DocumentRecord) documentItem {
	return documentItem{
		FileID:           rec.FileID,
		AssistantID:      rec.AssistantID,
		Timestamp:        rec.Timestamp.UTC().Format(time.RFC3339Nano),
		FileName:         rec.FileName,
		Title:            rec.Title,
		PageCount:        rec.PageCount,
		VectorStoreID:    rec.VectorStoreID,
		UploaderID:       rec.UploaderID,
		UnitID:           rec.UnitID,
		AccessType:       string(rec.AccessType),
		StorageKey:       rec.StorageKey,
		Summary:          rec.Summary,
		Devotional:       rec.Devotional,
		BibleStudy:       rec.BibleStudy,
		GenerationStatus: string(rec.GenerationStatus),
		LastError:        rec.LastError,
		LaneErrors:       rec.LaneErrors,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		AttemptCount:     rec.AttemptCount,
		UpdatedAt:        rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func documentFromItem(item documentItem) domain.DocumentRecord {
	return domain.DocumentRecord{
		FileID:           item.FileID,
		AssistantID:      item.AssistantID,
		Timestamp:        parseRFC3339(item.Timestamp),
		FileName:         item.FileName,
		Title:            item.Title,
		PageCount:        item.PageCount,
		VectorStoreID:    item.VectorStoreID,
		UploaderID:       item.UploaderID,
		UnitID:           item.UnitID,
		AccessType:       domain.AccessType(item.AccessType),
		StorageKey:       item.StorageKey,
		Summary:          item.Summary,
		Devotional:       item.Devotional,
		BibleStudy:       item.BibleStudy,
		GenerationStatus: domain.GenerationStatus(item.GenerationStatus),
		LastError:        item.LastError,
		LaneErrors:       item.LaneErrors,
		ProcessingTimeMs: item.ProcessingTimeMs,
		AttemptCount:     item.AttemptCount,
		UpdatedAt:        parseRFC3339(item.UpdatedAt),
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseRFC3339(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
