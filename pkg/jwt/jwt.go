// Package jwt — сервисные токены RS256 для вызова API леджера ботами.
// Приватный ключ нужен только тому, кто выпускает токены; леджеру достаточно публичного.
package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Права сервисного токена.
const (
	ScopeBalanceRead  = "balance:read"
	ScopeBalanceWrite = "balance:write"
	ScopePayments     = "payments"
)

var (
	ErrTokenRevoked   = errors.New("токен отозван")
	ErrServiceRevoked = errors.New("все токены сервиса отозваны")
	ErrCannotSign     = errors.New("приватный ключ не загружен: выпуск токенов недоступен")
)

// Claims — данные сервисного токена. Subject совпадает с Service.
type Claims struct {
	jwt.RegisteredClaims
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
}

// HasScope — выдано ли право scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Config — параметры Manager.
type Config struct {
	PrivateKeyPath string // необязателен для валидирующей стороны
	PublicKeyPath  string
	Issuer         string
	TokenTTL       time.Duration
}

// Manager выпускает и проверяет токены.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	blacklist  *Blacklist
	issuer     string
	ttl        time.Duration
}

// NewManager загружает ключи из PEM файлов.
func NewManager(cfg Config) (*Manager, error) {
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}

	m := &Manager{publicKey: publicKey, issuer: cfg.Issuer, ttl: cfg.TokenTTL}

	if cfg.PrivateKeyPath != "" {
		privateKey, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки приватного ключа: %w", err)
		}
		m.privateKey = privateKey
	}

	return m, nil
}

// NewManagerFromKeys — Manager из готовых ключей. privateKey может быть nil.
func NewManagerFromKeys(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, issuer string, ttl time.Duration) *Manager {
	return &Manager{privateKey: privateKey, publicKey: publicKey, issuer: issuer, ttl: ttl}
}

// Issue выпускает токен для сервиса (обычно имя бота).
func (m *Manager) Issue(service string, scopes ...string) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrCannotSign
	}

	now := time.Now()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Service: service,
		Scopes:  scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ошибка подписи токена: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate проверяет подпись, срок действия и издателя.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return m.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("невалидные claims токена")
	}
	return claims, nil
}

// ValidateWithBlacklist — Validate плюс проверка отзыва по jti и по сервису.
func (m *Manager) ValidateWithBlacklist(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if m.blacklist == nil {
		return claims, nil
	}

	revoked, err := m.blacklist.Check(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	if claims.IssuedAt != nil {
		invalidated, err := m.blacklist.IsServiceInvalidated(ctx, claims.Service, claims.IssuedAt.Time)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки отзыва сервиса: %w", err)
		}
		if invalidated {
			return nil, ErrServiceRevoked
		}
	}

	return claims, nil
}

// SetBlacklist подключает Redis blacklist.
func (m *Manager) SetBlacklist(bl *Blacklist) {
	m.blacklist = bl
}

// CanSign — есть ли приватный ключ.
func (m *Manager) CanSign() bool {
	return m.privateKey != nil
}

// TTL — время жизни выпускаемых токенов.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// LoadPrivateKey читает RSA ключ в PKCS#1 или PKCS#8.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга приватного ключа: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("ключ не является RSA приватным ключом")
	}
	return rsaKey, nil
}

// LoadPublicKey читает RSA ключ в PKIX или PKCS#1.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("ключ не является RSA публичным ключом")
	}
	return rsaKey, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}
	return block, nil
}
