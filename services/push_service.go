package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// SNSAPI is the subset of the SNS client used for mobile push.
type SNSAPI interface {
	CreatePlatformEndpoint(ctx context.Context, params *awssns.CreatePlatformEndpointInput, optFns ...func(*awssns.Options)) (*awssns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// PushService sends mobile notifications through SNS. It only nudges
// offline users; the analysis itself is fetched through sync.
type PushService struct {
	db          *gorm.DB
	sns         SNSAPI
	platformArn string
	log         zerolog.Logger
}

func NewPushService(db *gorm.DB, client SNSAPI, platformArn string) *PushService {
	return &PushService{
		db:          db,
		sns:         client,
		platformArn: platformArn,
		log:         logger.WithComponent("push"),
	}
}

func tokenHash(tok string) string {
	h := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(h[:])
}

func (p *PushService) RegisterDevice(ctx context.Context, userID, platform, token string) (*models.UserDevice, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform != "android" && platform != "ios" {
		return nil, invalidArgument("platform must be android or ios")
	}
	if strings.TrimSpace(token) == "" {
		return nil, invalidArgument("token is required")
	}
	if p.platformArn == "" {
		return nil, errors.New("SNS platform application not configured")
	}

	out, err := p.sns.CreatePlatformEndpoint(ctx, &awssns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(p.platformArn),
		Token:                  aws.String(token),
		CustomUserData:         aws.String(userID),
	})
	if err != nil {
		return nil, err
	}

	hash := tokenHash(token)
	var dev models.UserDevice
	err = p.db.WithContext(ctx).Where("user_id = ? AND token_hash = ?", userID, hash).First(&dev).Error
	switch {
	case err == nil:
		dev.EndpointARN = aws.ToString(out.EndpointArn)
		dev.Platform = platform
		dev.Enabled = true
		dev.UpdatedAt = time.Now()
		if err := p.db.WithContext(ctx).Save(&dev).Error; err != nil {
			return nil, &StoreError{Op: "update device", Err: err}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		dev = models.UserDevice{
			UserID:      userID,
			Platform:    platform,
			TokenHash:   hash,
			EndpointARN: aws.ToString(out.EndpointArn),
			Enabled:     true,
			UpdatedAt:   time.Now(),
		}
		if err := p.db.WithContext(ctx).Create(&dev).Error; err != nil {
			return nil, &StoreError{Op: "create device", Err: err}
		}
	default:
		return nil, &StoreError{Op: "find device", Err: err}
	}
	return &dev, nil
}

// SetEnabled toggles push for all devices of the user.
func (p *PushService) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	err := p.db.WithContext(ctx).Model(&models.UserDevice{}).
		Where("user_id = ?", userID).
		Update("enabled", enabled).Error
	if err != nil {
		return &StoreError{Op: "toggle devices", Err: err}
	}
	return nil
}

func (p *PushService) PushToUser(ctx context.Context, userID, title, body string, data map[string]string) {
	var endpoints []models.UserDevice
	if err := p.db.WithContext(ctx).Where("user_id = ? AND enabled = ?", userID, true).Find(&endpoints).Error; err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("failed to load devices")
		return
	}
	if len(endpoints) == 0 {
		return
	}

	gcm, _ := json.Marshal(map[string]any{
		"notification": map[string]string{"title": title, "body": body},
		"data":         data,
	})
	apns, _ := json.Marshal(map[string]any{
		"aps":  map[string]any{"alert": map[string]string{"title": title, "body": body}},
		"data": data,
	})
	raw, _ := json.Marshal(map[string]string{
		"default":      body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})

	for _, d := range endpoints {
		_, err := p.sns.Publish(ctx, &awssns.PublishInput{
			MessageStructure: aws.String("json"),
			Message:          aws.String(string(raw)),
			TargetArn:        aws.String(d.EndpointARN),
		})
		if err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Uint("device_id", d.ID).Msg("push failed")
		}
	}
}
