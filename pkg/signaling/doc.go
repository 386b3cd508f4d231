// Package signaling управляет сессиями распознавания поверх движка
// сигнализации (engine.Binding).
//
// Основные компоненты:
//   - Registry - реестр handle -> запись сессии под одним мьютексом
//   - Controller - открытие сессии, подписка на события, закрытие
//   - ожидание согласования канала на sync.Cond с ограничением по времени
//   - доставка событий подписчику через bridge.Sink
//
// Жизненный цикл сессии:
//
//	created -> negotiating -> active | negotiation_timed_out | negotiation_failed -> closing -> closed
//
// Истечение ожидания согласования не является ошибкой: OpenSession
// возвращает параметры по умолчанию (127.0.0.1:5004, 20 мс) и сессия
// остается пригодной. Close идемпотентен и гарантирует, что после
// возврата подписчик не получит ни одного нового события.
//
// Пример использования:
//
//	ctrl, err := signaling.NewController(binding, signaling.DefaultConfig())
//	info, err := ctrl.OpenSession(ctx, signaling.SessionConfig{
//		Codec:      "PCMU",
//		SampleRate: 8000,
//		RTPPortMin: 10000,
//		RTPPortMax: 10010,
//	})
//	err = ctrl.Subscribe(info.Handle, func(ev signaling.Event) {
//		fmt.Println(ev.Type, ev.Text)
//	})
//	defer ctrl.Close(info.Handle)
package signaling
