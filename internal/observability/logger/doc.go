// Package logger provee el logger zap del proceso con scoping por contexto.
//
// # Decisiones
//
//   - Singleton: una sola instancia inicializada con Init() desde el composition root.
//   - Scoping: cada componente del coordinador (channel, resolver, barrier) toma un logger
//     Named() propio; el contexto puede transportar un logger con campos extra.
//   - Entornos: "dev" usa consola con colores, "prod" usa JSON.
//   - Niveles: debug, info, warn, error (LOG_LEVEL).
//
// # Uso
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "discoverd"})
//	defer logger.Sync()
//
//	log := logger.Named("resolver")
//	log.Info("peer discovered", logger.Kind(ad.Kind), logger.PeerID(ad.ID))
package logger
