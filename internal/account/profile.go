package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
)

var (
	ErrInvalidTradeLink     = errors.New("invalid trade link")
	ErrInvalidWalletAddress = errors.New("invalid wallet address")
	ErrUnsupportedAsset     = errors.New("unsupported asset")
)

var tradeLinkPattern = regexp.MustCompile(`^https://steamcommunity\.com/tradeoffer/new/\?partner=\d+&token=[a-zA-Z0-9\-_]+$`)

var evmAddress = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

var addressPatterns = map[string]*regexp.Regexp{
	"BTC":  regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$|^bc1[a-z0-9]{39,59}$`),
	"ETH":  evmAddress,
	"USDT": evmAddress,
	"USDC": evmAddress,
	"BNB":  evmAddress,
	"DOGE": regexp.MustCompile(`^[DAN][a-km-zA-HJ-NP-Z1-9]{25,34}$`),
	"LTC":  regexp.MustCompile(`^[LM3][a-km-zA-HJ-NP-Z1-9]{26,33}$`),
}

func ValidTradeLink(link string) bool {
	return tradeLinkPattern.MatchString(link)
}

// ValidAddress checks the address format for an asset. Unknown assets are rejected.
func ValidAddress(asset, address string) (bool, error) {
	pattern, ok := addressPatterns[strings.ToUpper(asset)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return pattern.MatchString(address), nil
}

func (g *Gate) SetTradeLink(ctx context.Context, userId, link string) (*models.User, error) {
	link = strings.TrimSpace(link)
	if !ValidTradeLink(link) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTradeLink, link)
	}
	return g.update(ctx, userId, func(u *models.User) error {
		u.TradeLink = link
		return nil
	})
}

func (g *Gate) VerifyEmail(ctx context.Context, userId string) (*models.User, error) {
	return g.update(ctx, userId, func(u *models.User) error {
		u.EmailVerified = true
		return nil
	})
}

func (g *Gate) SetPassword(ctx context.Context, userId, password string) (*models.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return g.update(ctx, userId, func(u *models.User) error {
		u.PasswordHash = hash
		u.LoginAttempts = 0
		return nil
	})
}

// SetWalletAddress records a payout address, creating the wallet when needed
func (g *Gate) SetWalletAddress(ctx context.Context, userId, asset, address string) (*models.User, error) {
	asset = strings.ToUpper(asset)
	address = strings.TrimSpace(address)
	ok, err := ValidAddress(asset, address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s address %q", ErrInvalidWalletAddress, asset, address)
	}
	return g.update(ctx, userId, func(u *models.User) error {
		u.Wallet(asset).Address = address
		return nil
	})
}

func (g *Gate) update(ctx context.Context, userId string, mutate func(*models.User) error) (*models.User, error) {
	var lastErr error
	for attempt := 1; attempt <= updateRetries; attempt++ {
		user, err := g.users.GetUser(ctx, userId)
		if err != nil {
			return nil, err
		}
		if err := mutate(user); err != nil {
			return nil, err
		}
		err = g.users.UpsertUser(ctx, user)
		if err == nil {
			zap.L().Info("Profile updated", zap.String("user_id", userId))
			return user, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return nil, fmt.Errorf("failed to update profile: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to update profile after %d attempts: %w", updateRetries, lastErr)
}
