// swap is the operator's command surface over the coordinator:
//
//	swap start  --amount-a N --amount-b M --redeemer-b ADDR
//	swap status <order_id>
//	swap verify <order_id>
//	swap refund <order_id>
//	swap serve
//
// Exit codes: 0 terminal success, 1 transient failure (retryable),
// 2 configuration error, 3 fatal inconsistency.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TEENet-io/swap-go/btcledger"
	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/coordinator"
	"github.com/TEENet-io/swap-go/evmledger"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/logconfig"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/reporter"
	"github.com/TEENet-io/swap-go/stream"
	"github.com/TEENet-io/swap-go/verifier"
)

const (
	ENV_CONFIG_FILE_PATH = "SWAP_CONFIG"

	exitOK        = 0
	exitTransient = 1
	exitConfig    = 2
	exitFatal     = 3
)

var (
	flagAmountA   uint64
	flagAmountB   uint64
	flagTokenA    string
	flagTokenB    string
	flagRedeemerB string
)

type app struct {
	cfg   *coordinator.Config
	store *orderstore.Store
	bus   *stream.Bus
	coord *coordinator.Coordinator
	verif *verifier.Verifier
	srv   *ServerConfig
}

func main() {
	logconfig.ConfigProductionLogger()

	root := &cobra.Command{
		Use:           "swap",
		Short:         "atomic cross-chain swap coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "create an order, lock both escrows and run it to a terminal status",
		RunE:  runStart,
	}
	start.Flags().Uint64Var(&flagAmountA, "amount-a", 0, "amount to lock on ledger A (smallest unit)")
	start.Flags().Uint64Var(&flagAmountB, "amount-b", 0, "amount to lock on ledger B (smallest unit)")
	start.Flags().StringVar(&flagTokenA, "token-a", "", "token on ledger A")
	start.Flags().StringVar(&flagTokenB, "token-b", "", "token on ledger B")
	start.Flags().StringVar(&flagRedeemerB, "redeemer-b", "", "counterparty redeem address on ledger B")

	root.AddCommand(
		start,
		&cobra.Command{Use: "status <order_id>", Short: "print the stored order record", Args: cobra.ExactArgs(1), RunE: runStatus},
		&cobra.Command{Use: "verify <order_id>", Short: "re-check both ledgers for the order", Args: cobra.ExactArgs(1), RunE: runVerify},
		&cobra.Command{Use: "refund <order_id>", Short: "force the refund path after the timelock", Args: cobra.ExactArgs(1), RunE: runRefund},
		&cobra.Command{Use: "serve", Short: "resume open orders and serve the http reporter", RunE: runServe},
	)

	if err := root.Execute(); err != nil {
		logger.Error(err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case ledger.IsTransient(err):
		return exitTransient
	case ledger.ClassOf(err) == ledger.ClassContractReject:
		return exitFatal
	default:
		return exitConfig
	}
}

func newApp() (*app, error) {
	viper.AutomaticEnv()

	if configFile := viper.GetString(ENV_CONFIG_FILE_PATH); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading configuration file: %w", err)
		}
	}

	srv, err := LoadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg, err := srv.CoordinatorConfig()
	if err != nil {
		return nil, err
	}

	adapterA, err := btcledger.New(srv.BtcConfig())
	if err != nil {
		return nil, fmt.Errorf("btc adapter: %w", err)
	}
	adapterB, err := evmledger.New(srv.EvmConfig())
	if err != nil {
		return nil, fmt.Errorf("evm adapter: %w", err)
	}

	store, err := orderstore.NewStore("sqlite3", srv.DbFilePath)
	if err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}

	bus := stream.NewBus(cfg.OrderRetention)

	coord, err := coordinator.New(cfg, store, bus, adapterA, adapterB)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:   cfg,
		store: store,
		bus:   bus,
		coord: coord,
		verif: verifier.New(store, adapterA, adapterB),
		srv:   srv,
	}, nil
}

func (a *app) close() {
	a.bus.Stop()
	_ = a.store.Close()
}

func runStart(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	o, err := a.coord.CreateOrder(ctx, &coordinator.OrderParams{
		AmountA:   flagAmountA,
		AmountB:   flagAmountB,
		TokenA:    flagTokenA,
		TokenB:    flagTokenB,
		RedeemerB: flagRedeemerB,
	})
	if err != nil {
		return err
	}
	fmt.Printf("order %s created\n", o.IDHex())

	if err := a.coord.Drive(ctx, o.ID); err != nil {
		return err
	}

	return printReceipt(a, o.IDHex())
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	o, ok, err := a.store.GetOrder(common.HexStrToBytes32(args[0]))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order %s not found", args[0])
	}

	fmt.Println(o)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.verif.Verify(cmd.Context(), common.HexStrToBytes32(args[0]))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !report.AllOK {
		os.Exit(exitFatal)
	}
	return nil
}

func runRefund(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	id := common.HexStrToBytes32(args[0])
	if err := a.coord.ForceRefund(ctx, id); err != nil {
		return err
	}

	return printReceipt(a, args[0])
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.coord.Resume(ctx); err != nil {
		return err
	}

	httpReporter := reporter.NewHttpReporter(a.srv.HttpIp, a.srv.HttpPort, a.store, a.bus, a.verif)
	go httpReporter.Run()

	fmt.Println("swap coordinator serving... press Ctrl+C to stop")
	<-ctx.Done()
	a.coord.Wait()
	return nil
}

func printReceipt(a *app, orderID string) error {
	r, ok := a.bus.GetReceipt(common.Prepend0xPrefix(orderID))
	if !ok {
		return nil
	}
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
