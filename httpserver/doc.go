/*
Package httpserver implements the HTTP surface of the master key daemon.

The daemon loads the master key once at startup, keeps it in a KeyHolder and
reloads it whenever the key file is replaced by an administrative operation
such as a restore or a rotation. A failed reload keeps the previous key in
service and is reported through logs, metrics and the key status endpoint.

The API never returns key material. It exposes the fingerprint of the served
key and read-only views of the backup directory.

# API Endpoints

  - GET /api/v1/key - Fingerprint and load time of the served key
  - GET /api/v1/backups - Backup artifacts on disk, newest first
  - GET /api/v1/backups/verify - Passphrase-free verification of every artifact
  - GET /api/v1/providers - Health of the configured secret providers
  - GET /livez - Liveness check
  - GET /readyz - Readiness check, fails while draining or without a key
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Prometheus metrics are served on a separate listener (MetricsAddr).

# Example Usage

	holder, err := httpserver.NewKeyHolder(key, logger)
	if err != nil {
		return err
	}
	go store.Watch(ctx, holder.Reload)

	handler := httpserver.NewHandler(holder, manager, providers, logger)
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:8080",
		MetricsAddr:              "127.0.0.1:8090",
		Service:                  "keyd",
		Log:                      logger,
		DrainDuration:            15 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, handler)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
