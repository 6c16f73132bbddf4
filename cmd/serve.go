package cmd

import (
	"errors"

	"inspire-scraper/db"
	"inspire-scraper/notify"
	"inspire-scraper/scheduler"
	"inspire-scraper/scraper"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		output string
		xlsx   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process queued jobs and answer Telegram commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if output == "" {
				output = cfg.Run.OutputDir
			}

			out, err := newOutputs(ctx, cfg, output, xlsx || cfg.Run.XLSX, logger)
			if err != nil {
				return err
			}
			defer out.close()
			if out.database == nil {
				// DATABASE_URL or DB_* variables
				if out.database, err = db.NewDB(ctx, "", logger); err != nil {
					return err
				}
			}

			bot, err := newTelegram(cfg.Telegram)
			if err != nil {
				return err
			}
			if bot != nil && cfg.Telegram.ChatID == 0 {
				return errors.New("telegram.chat_id is required when the bot is enabled")
			}

			runnerOpts := []scheduler.RunnerOption{scheduler.WithRunnerLogger(logger)}
			schedOpts := []scheduler.SchedulerOption{scheduler.WithSchedulerLogger(logger)}
			var observer scraper.Observer = notify.NewLogObserver(logger)
			if bot != nil {
				tg := notify.NewTelegramObserver(bot, cfg.Telegram.ChatID, cfg.Telegram.Every, logger)
				defer tg.Close()
				observer = notify.Multi{observer, tg}
				schedOpts = append(schedOpts, scheduler.WithNotifier(tg))
			}
			runnerOpts = append(runnerOpts, scheduler.WithRunnerObserver(observer))

			runner := scheduler.NewRunner(cfg, runnerOpts...)
			sched := scheduler.NewScheduler(out.database, runner, out.factory(cfg.Run.BatchSize, logger), schedOpts...)
			sched.Start()
			defer sched.Stop()
			logger.Info().Msg("scheduler started")

			if bot == nil {
				logger.Info().Msg("telegram token not set, bot disabled")
				<-ctx.Done()
				return nil
			}
			logger.Info().Str("account", bot.Self.UserName).Msg("telegram bot authorized")

			updateConfig := tgbotapi.NewUpdate(0)
			updateConfig.Timeout = 60
			updates := bot.GetUpdatesChan(updateConfig)
			defer bot.StopReceivingUpdates()

			notify.NewBot(bot, out.database, []int64{cfg.Telegram.ChatID}, logger).Listen(ctx, updates)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&xlsx, "xlsx", false, "also write an Excel workbook per job")
	return cmd
}
