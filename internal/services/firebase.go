package services

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// InitFirebase initializes the Firebase Admin SDK and returns the auth client used to
// verify operator ID tokens. An empty credPath disables operator authentication.
func InitFirebase(ctx context.Context, credPath string, log *zap.Logger) (*auth.Client, error) {
	if credPath == "" {
		log.Warn("FIREBASE_CREDENTIALS_PATH not set, admin routes are disabled")
		return nil, nil
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credPath))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	log.Info("firebase auth initialized")
	return client, nil
}
