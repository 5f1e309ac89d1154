//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerTuyaModule registers the `tuya` global table in a Lua state.
func registerTuyaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return tuyaOn(L, vm)
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return tuyaSet(L, e)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return tuyaTurn(L, e, true)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return tuyaTurn(L, e, false)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return tuyaGet(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return tuyaAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return tuyaLog(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return tuyaDevices(L, e)
	}))

	L.SetGlobal("tuya", mod)
}

const maxHandlersPerScript = 100

// tuya.on(type, filter, callback)
func tuyaOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device"); v != lua.LNil {
		h.device = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// tuya.set(name, state[, pulse[, cause]])
func tuyaSet(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)
	state, ok := luaState(L.Get(2))
	if !ok {
		L.ArgError(2, "state must be on/off, true/false, or 0/1")
		return 0
	}

	pulse := 0
	if L.GetTop() >= 3 {
		pulse = L.CheckInt(3)
		if pulse < 0 {
			L.ArgError(3, "pulse must not be negative")
			return 0
		}
	}
	cause := "script"
	if L.GetTop() >= 4 {
		cause = L.CheckString(4)
	}

	point := e.ctrl.PointByName(name)
	if point < 0 {
		e.logger.Warn("device not found", "target", name)
		return 0
	}
	e.ctrl.Set(point, state, pulse, cause)
	return 0
}

// tuya.turn_on(name[, pulse]) / tuya.turn_off(name)
func tuyaTurn(L *lua.LState, e *Engine, state bool) int {
	name := L.CheckString(1)
	pulse := 0
	if state && L.GetTop() >= 2 {
		pulse = L.CheckInt(2)
		if pulse < 0 {
			L.ArgError(2, "pulse must not be negative")
			return 0
		}
	}

	point := e.ctrl.PointByName(name)
	if point < 0 {
		e.logger.Warn("device not found", "target", name)
		return 0
	}
	e.ctrl.Set(point, state, pulse, "script")
	return 0
}

// tuya.get(name) — observed state: "on", "off", "silent", or nil for
// an unknown device.
func tuyaGet(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)

	point := e.ctrl.PointByName(name)
	if point < 0 {
		L.Push(lua.LNil)
		return 1
	}
	if failure := e.ctrl.Failure(point); failure != "" {
		L.Push(lua.LString(failure))
		return 1
	}
	if e.ctrl.Get(point) {
		L.Push(lua.LString("on"))
	} else {
		L.Push(lua.LString("off"))
	}
	return 1
}

// tuya.after(seconds, callback) — delayed execution
func tuyaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// tuya.log(msg)
func tuyaLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// tuya.devices() — returns a table of all control points
func tuyaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.ctrl.Status() {
		d := L.NewTable()
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("state", lua.LString(dev.State))
		d.RawSetString("command", lua.LString(dev.Command))
		d.RawSetString("gear", lua.LString(dev.Gear))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// luaState interprets a Lua value as an on/off state.
func luaState(v lua.LValue) (bool, bool) {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val), true
	case lua.LString:
		switch string(val) {
		case "on", "1":
			return true, true
		case "off", "0":
			return false, true
		}
	case lua.LNumber:
		if val == 0 {
			return false, true
		}
		if val == 1 {
			return true, true
		}
	}
	return false, false
}
