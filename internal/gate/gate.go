// Package gate はロールに応じた画面遷移の判定を行う。
package gate

import (
	"github.com/hitoshi/medsync/internal/model"
)

// Route は遷移先の画面を表す。
type Route string

const (
	RouteLanding   Route = "/"
	RouteLogin     Route = "/login"
	RouteRegister  Route = "/register"
	RoutePatient   Route = "/dashboard"
	RouteCaretaker Route = "/caretaker-dashboard"
)

// Navigator は画面遷移を行う。
type Navigator interface {
	Navigate(route Route)
}

// NavigatorFunc は関数をNavigatorとして扱うためのアダプター。
type NavigatorFunc func(Route)

// Navigate はf(route)を呼ぶ。
func (f NavigatorFunc) Navigate(route Route) { f(route) }

// HomeFor はロールのホーム画面を返す。
func HomeFor(role model.Role) Route {
	if role == model.RoleCaretaker {
		return RouteCaretaker
	}
	return RoutePatient
}

// rolesFor はルートに入れるロールを返す。誰でも入れるルートはnil。
func rolesFor(route Route) []model.Role {
	switch route {
	case RoutePatient:
		return []model.Role{model.RolePatient}
	case RouteCaretaker:
		return []model.Role{model.RoleCaretaker}
	default:
		return nil
	}
}

// Check はセッションが指定ロールのいずれかを持つかを判定する。
//
//   - セッションがない場合はRouteLoginとAuthErrorを返す。
//   - ロールが許可されていない場合は自分のホーム画面とRoleMismatchErrorを返す（無言でリダイレクトする）。
//   - 許可されている場合は空のRouteとnilを返す。
func Check(s *model.Session, allowed ...model.Role) (Route, error) {
	if s == nil {
		return RouteLogin, model.NewNotAuthenticatedError()
	}
	if len(allowed) == 0 {
		return "", nil
	}
	for _, r := range allowed {
		if s.Role == r {
			return "", nil
		}
	}
	return HomeFor(s.Role), model.NewRoleMismatchError(s.Role, allowed)
}

// CheckRoute はルートに設定されたロールでCheckを行う。
// 未認証で入れるルート（ランディング・ログイン・登録）は常に許可する。
func CheckRoute(s *model.Session, route Route) (Route, error) {
	switch route {
	case RouteLanding, RouteLogin, RouteRegister:
		return "", nil
	}
	return Check(s, rolesFor(route)...)
}
