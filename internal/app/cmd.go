package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はセッションを復元し、リアルタイム接続とステータスAPIを起動する。
	CommandServe Command = "serve"
	// CommandLogin はログインして認証情報を保存する。
	CommandLogin Command = "login"
	// CommandRegister は利用者を登録し、そのままログインする。
	CommandRegister Command = "register"
	// CommandLogout は保存済みの認証情報を削除する。
	CommandLogout Command = "logout"
	// CommandWhoami は保存済みのセッションを表示する。
	CommandWhoami Command = "whoami"
	// CommandTake はある日の服薬状態を記録する。
	CommandTake Command = "take"
	// CommandProof はある日の記録に証跡ファイルを紐づける。
	CommandProof Command = "proof"
	// CommandSummary は服薬遵守率を表示する。
	CommandSummary Command = "summary"
	// CommandMigrate は認証情報テーブルのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はステータスAPIのヘルスチェックを実行することを示す。
	CommandHealthcheck Command = "healthcheck"
	// CommandUnknown はサポート外のサブコマンド。
	CommandUnknown Command = ""
)

var commands = []Command{
	CommandServe, CommandLogin, CommandRegister, CommandLogout, CommandWhoami,
	CommandTake, CommandProof, CommandSummary, CommandMigrate, CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析し、残りの引数と共に返す。
// 引数が空の場合はCommandServe、サポート外のコマンドの場合はCommandUnknownを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, args[1:]
		}
	}
	return CommandUnknown, args[1:]
}

// usage はサブコマンドの一覧。
const usage = `usage: medsync <command> [flags]

commands:
  serve        restore the session, follow realtime updates and run the status API (default)
  login        sign in and persist the session (-username, -role)
  register     create an account and sign in (-username, -role)
  logout       clear the persisted session
  whoami       show the persisted session
  take         record whether a dose was taken (-medication, -date, -taken)
  proof        attach a proof photo to a day's log (-medication, -date, -file)
  summary      show adherence per medication
  migrate      create the credential table (postgres store)
  healthcheck  probe the status API

The password is read from MEDSYNC_PASSWORD or prompted on the terminal.`
