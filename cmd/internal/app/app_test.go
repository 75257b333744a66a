package app

import "testing"

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://pin.example.com", want: "wss://pin.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestStoreKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "default memory", cfg: Config{}, want: StoreMemory},
		{name: "infer postgres", cfg: Config{DatabaseURL: "postgres://x", RedisURL: "redis://y"}, want: StorePostgres},
		{name: "infer mongo", cfg: Config{MongoURI: "mongodb://x"}, want: StoreMongo},
		{name: "infer redis", cfg: Config{RedisURL: "redis://y"}, want: StoreRedis},
		{name: "explicit memory ignores urls", cfg: Config{Store: StoreMemory, DatabaseURL: "postgres://x"}, want: StoreMemory},
		{name: "explicit redis", cfg: Config{Store: StoreRedis, DatabaseURL: "postgres://x", RedisURL: "redis://y"}, want: StoreRedis},
		{name: "explicit postgres missing url", cfg: Config{Store: StorePostgres}, wantErr: true},
		{name: "explicit mongo missing url", cfg: Config{Store: StoreMongo}, wantErr: true},
		{name: "unknown", cfg: Config{Store: "sqlite"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.cfg.StoreKind()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("StoreKind()=%q,%v want %q", got, err, tc.want)
			}
		})
	}
}
