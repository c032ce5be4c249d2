package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はトークンリフレッシュと招待クリーンアップのワーカーを起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// MigrateOptions はmigrateサブコマンドの引数。
type MigrateOptions struct {
	Action MigrateAction
	Steps  int // downで巻き戻すバージョン数
}

// ParseMigrateArgs は"migrate"に続く引数を解析する。
//
//	migrate            全マイグレーションを適用
//	migrate down [N]   直近N件（既定1）を巻き戻す
//	migrate version    現在のスキーマバージョンを表示
func ParseMigrateArgs(args []string) (MigrateOptions, error) {
	if len(args) == 0 {
		return MigrateOptions{Action: MigrateUp}, nil
	}

	switch MigrateAction(args[0]) {
	case MigrateUp:
		return MigrateOptions{Action: MigrateUp}, nil
	case MigrateVersion:
		return MigrateOptions{Action: MigrateVersion}, nil
	case MigrateDown:
		opts := MigrateOptions{Action: MigrateDown, Steps: 1}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return MigrateOptions{}, fmt.Errorf("invalid rollback steps %q", args[1])
			}
			opts.Steps = n
		}
		return opts, nil
	default:
		return MigrateOptions{}, fmt.Errorf("unknown migrate action %q", args[0])
	}
}
