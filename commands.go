package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"TrackCastServer/config"
	"TrackCastServer/envelope"
	rpc "TrackCastServer/gRPC"
	"TrackCastServer/keystore"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// keyFlags selects the key used by the client-side commands.
type keyFlags struct {
	key       string
	keyFile   string
	algorithm string
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "Base64 detection key (overrides --key-file)")
	cmd.Flags().StringVar(&f.keyFile, "key-file", "", "Key file (defaults to Key.File from the config)")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "Cipher algorithm (defaults to Key.Algorithm from the config)")
}

func (f *keyFlags) encryptor(cfg config.Config) (*envelope.Encryptor, error) {
	algName := f.algorithm
	if algName == "" {
		algName = cfg.Key.Algorithm
	}
	alg, err := envelope.ParseAlgorithm(algName)
	if err != nil {
		return nil, err
	}
	var key []byte
	if f.key != "" {
		key, err = keystore.Decode(f.key)
	} else {
		path := f.keyFile
		if path == "" {
			path = cfg.Key.File
		}
		key, err = keystore.Load(path)
	}
	if err != nil {
		return nil, err
	}
	return envelope.NewEncryptor(key, alg)
}

func newKeygenCommand(configPath *string) *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a detection key and write it to the key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Key.File
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", out)
			}
			key, err := keystore.Generate()
			if err != nil {
				return err
			}
			if err := keystore.Save(out, key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keystore.Encode(key))
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (fingerprint %s)\n", out, keystore.Fingerprint(key))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Key file to write (defaults to Key.File from the config)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	return cmd
}

func newDecryptCommand(configPath *string) *cobra.Command {
	var kf keyFlags
	cmd := &cobra.Command{
		Use:   "decrypt [message.json|-]",
		Short: "Decrypt one broadcast message and print the envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			enc, err := kf.encryptor(cfg)
			if err != nil {
				return err
			}
			var data []byte
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			msg, err := envelope.DecodeMessage(data)
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), enc, msg)
		},
	}
	kf.register(cmd)
	return cmd
}

func newWatchCommand(configPath *string) *cobra.Command {
	var kf keyFlags
	var wsURL, grpcAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to the stream and print decrypted envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			enc, err := kf.encryptor(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if grpcAddr != "" {
				return watchGRPC(ctx, grpcAddr, enc, cmd.OutOrStdout())
			}
			if wsURL == "" {
				wsURL = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.HTTPPort)
			}
			return watchWS(ctx, wsURL, enc, cmd.OutOrStdout())
		},
	}
	kf.register(cmd)
	cmd.Flags().StringVar(&wsURL, "ws", "", "WebSocket stream URL (defaults to the local /ws endpoint)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Use the gRPC stream at host:port instead of WebSocket")
	return cmd
}

func watchWS(ctx context.Context, url string, enc *envelope.Encryptor, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		msg, err := envelope.DecodeMessage(data)
		if err != nil {
			return err
		}
		if err := printMessage(out, enc, msg); err != nil {
			return err
		}
	}
}

func watchGRPC(ctx context.Context, addr string, enc *envelope.Encryptor, out io.Writer) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	sub, err := rpc.NewClient(conn).Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		msg, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := printMessage(out, enc, msg); err != nil {
			return err
		}
	}
}

// printMessage writes the plaintext envelope of a broadcast, or a one-line
// note for greetings and failure markers.
func printMessage(out io.Writer, enc *envelope.Encryptor, msg envelope.Message) error {
	switch {
	case msg.Type == envelope.TypeInfo:
		_, err := fmt.Fprintf(out, "# %s\n", msg.Message)
		return err
	case msg.Type != envelope.TypeDetectionBroadcast || msg.Data == nil:
		return fmt.Errorf("unexpected message type %q", msg.Type)
	case msg.Data.Failed():
		_, err := fmt.Fprintf(out, "# frame at %.6f: %s\n", msg.Timestamp, msg.Data.Error)
		return err
	}
	plain, err := enc.Open(*msg.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(plain))
	return err
}
