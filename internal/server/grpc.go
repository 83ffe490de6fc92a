package server

import (
	"context"
	"errors"
	"net"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"relieffund-core/pkg/config"
)

// ProvideGRPCServer builds the gRPC server; only the stock health service
// registers against it.
func ProvideGRPCServer() *grpc.Server {
	return grpc.NewServer()
}

// StartGRPCServer ties the gRPC server to the fx lifecycle. Shutdown is
// graceful first, forced when the stop context expires.
func StartGRPCServer(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, srv *grpc.Server) {
	var listener net.Listener

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			listener, err = net.Listen("tcp", cfg.Grpc.Addr)
			if err != nil {
				return err
			}

			go func() {
				log.Info("grpc server listening", zap.String("addr", cfg.Grpc.Addr))
				err := srv.Serve(listener)
				if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					log.Fatal("grpc server failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("grpc server stopping", zap.String("addr", cfg.Grpc.Addr))

			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()

			select {
			case <-ctx.Done():
				srv.Stop()
			case <-done:
			}

			if listener != nil {
				_ = listener.Close()
			}

			return nil
		},
	})
}
