// Package mockEngine предоставляет детерминированную in-memory реализацию
// engine.Binding для тестирования.
//
// Движок не открывает сетевых соединений. Результат AddChannel управляется
// настройками: успех с заданным RTP описанием после задержки, отказ или
// отсутствие ответа. Обратные вызовы OnMessage и OnTerminate запускаются из
// теста через Session.Deliver и Session.FireTerminate, имитируя поток движка.
//
// Пример использования:
//
//	eng := mockEngine.New(mockEngine.WithChannelAdd(&engine.RTPDescriptor{
//		Remote: &engine.MediaEndpoint{IP: "10.0.0.5", Port: 6000, PtimeMs: 20},
//	}, 50*time.Millisecond))
//
//	ctrl := signaling.NewController(eng, cfg)
//	info, err := ctrl.OpenSession(ctx, sessionCfg)
//
//	// событие от движка
//	eng.LastSession().FireTerminate()
package mockEngine
