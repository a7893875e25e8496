package main

import (
	"context"
	"testing"
	"time"

	"campusgate.org/internal/auth"
	"campusgate.org/internal/store/memory"
)

func TestSeedDemoCreatesLoginableAdmin(t *testing.T) {
	st := memory.New()
	if err := seedDemo(context.Background(), st, "demo-admin-pass"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		Issuer:        "campusgate",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	svc := auth.NewService(st, st, st, codec)

	_, id, err := svc.Login(context.Background(), auth.LoginInput{TenantCode: "demo", Email: demoAdminEmail, Password: "demo-admin-pass"})
	if err != nil {
		t.Fatalf("demo admin login: %v", err)
	}
	if !id.IsAdmin() {
		t.Fatalf("expected admin identity, got %+v", id)
	}
}
