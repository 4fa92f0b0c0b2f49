package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/notely/notely/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoChallengeRepository stores challenges in a single DynamoDB table
// under PK "OTP#<email>" with one item per challenge. The table's TTL
// attribute is set to the challenge expiry, so DynamoDB reaps expired
// records without an application-side sweeper.
type DynamoChallengeRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewDynamoChallengeRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *DynamoChallengeRepository {
	return &DynamoChallengeRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func challengePK(email string) string {
	return fmt.Sprintf("OTP#%s", email)
}

func challengeSK(id string) string {
	return fmt.Sprintf("CHALLENGE#%s", id)
}

func (r *DynamoChallengeRepository) key(email, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: challengePK(email)},
		"SK": &types.AttributeValueMemberS{Value: challengeSK(id)},
	}
}

// Insert stores a new challenge item with a TTL attribute at the expiry
// instant.
func (r *DynamoChallengeRepository) Insert(ctx context.Context, challenge *models.Challenge) error {
	item, err := attributevalue.MarshalMap(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: challengePK(challenge.Email)}
	item["SK"] = &types.AttributeValueMemberS{Value: challengeSK(challenge.ID)}
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", challenge.ExpiresAt.Unix())}
	item["CreatedAtEpoch"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", challenge.CreatedAt.Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store challenge in DynamoDB")
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

// FindActive returns the unverified, unexpired challenge matching email and
// code exactly.
func (r *DynamoChallengeRepository) FindActive(ctx context.Context, email, code string) (*models.Challenge, error) {
	challenges, err := r.queryChallenges(ctx, email,
		aws.String("#code = :code AND #verified = :false AND #ttl > :now"),
		map[string]string{"#code": "Code", "#verified": "Verified", "#ttl": "TTL"},
		map[string]types.AttributeValue{
			":code":  &types.AttributeValueMemberS{Value: code},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
	)
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return nil, ErrNotFound
	}
	return latestOf(challenges), nil
}

// FindLatest returns the most recently created pending challenge for the
// email.
func (r *DynamoChallengeRepository) FindLatest(ctx context.Context, email string) (*models.Challenge, error) {
	challenges, err := r.queryChallenges(ctx, email,
		aws.String("#verified = :false AND #ttl > :now"),
		map[string]string{"#verified": "Verified", "#ttl": "TTL"},
		map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
	)
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return nil, ErrNotFound
	}
	return latestOf(challenges), nil
}

// IncrementAttempts bumps the failed-attempt counter with an atomic ADD.
func (r *DynamoChallengeRepository) IncrementAttempts(ctx context.Context, challenge *models.Challenge) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(challenge.Email, challenge.ID),
		UpdateExpression:    aws.String("ADD #attempts :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#attempts": "Attempts",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	challenge.Attempts++
	return nil
}

// Consume claims the challenge with a conditional write so only one verifier
// can succeed, then deletes the item.
func (r *DynamoChallengeRepository) Consume(ctx context.Context, email, id string) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(email, id),
		UpdateExpression:    aws.String("SET #verified = :true"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #verified = :false"),
		ExpressionAttributeNames: map[string]string{
			"#verified": "Verified",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim challenge: %w", err)
	}

	if err := r.Delete(ctx, email, id); err != nil {
		// The claim succeeded; the verified item will still be reaped by TTL.
		r.logger.WithError(err).Warn("Failed to delete consumed challenge")
	}
	return true, nil
}

// Delete removes a single challenge item.
func (r *DynamoChallengeRepository) Delete(ctx context.Context, email, id string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(email, id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// DeleteStale removes every expired or already-verified challenge for the
// email.
func (r *DynamoChallengeRepository) DeleteStale(ctx context.Context, email string) (int, error) {
	challenges, err := r.queryChallenges(ctx, email,
		aws.String("#verified = :true OR #ttl <= :now"),
		map[string]string{"#verified": "Verified", "#ttl": "TTL"},
		map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
	)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, challenge := range challenges {
		if err := r.Delete(ctx, email, challenge.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CountRecent returns how many challenges for the email were created at or
// after the given instant.
func (r *DynamoChallengeRepository) CountRecent(ctx context.Context, email string, since time.Time) (int, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("#created >= :since"),
		Select:                 types.SelectCount,
		ExpressionAttributeNames: map[string]string{
			"#created": "CreatedAtEpoch",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: challengePK(email)},
			":since": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", since.Unix())},
		},
	}

	count := 0
	paginator := dynamodb.NewQueryPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count recent challenges: %w", err)
		}
		count += int(page.Count)
	}
	return count, nil
}

func (r *DynamoChallengeRepository) queryChallenges(
	ctx context.Context,
	email string,
	filter *string,
	names map[string]string,
	values map[string]types.AttributeValue,
) ([]*models.Challenge, error) {
	values[":pk"] = &types.AttributeValueMemberS{Value: challengePK(email)}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    aws.String("PK = :pk"),
		FilterExpression:          filter,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	var challenges []*models.Challenge
	paginator := dynamodb.NewQueryPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query challenges: %w", err)
		}
		for _, item := range page.Items {
			var challenge models.Challenge
			if err := attributevalue.UnmarshalMap(item, &challenge); err != nil {
				return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
			}
			challenges = append(challenges, &challenge)
		}
	}
	return challenges, nil
}

func latestOf(challenges []*models.Challenge) *models.Challenge {
	latest := challenges[0]
	for _, challenge := range challenges[1:] {
		if challenge.CreatedAt.After(latest.CreatedAt) {
			latest = challenge
		}
	}
	return latest
}
