package normalizer

// Static lexicons. All entries are lowercase and accent-free because the
// dictionaries apply after mark stripping: "mañana" has already become
// "manana" by the time a token is looked up.
//
// Invariant: no dictionary value is also a dictionary key, and every
// synonym target maps to itself or nothing. That keeps Normalize
// idempotent on its own output.

// typoDictionary maps colloquial misspellings and chat abbreviations to
// canonical forms. Values may be multi-word.
var typoDictionary = map[string]string{
	// chat abbreviations
	"q":      "que",
	"ke":     "que",
	"xq":     "porque",
	"xk":     "porque",
	"pq":     "porque",
	"porq":   "porque",
	"tb":     "tambien",
	"tmb":    "tambien",
	"tmbn":   "tambien",
	"bn":     "bien",
	"dnd":    "donde",
	"cnd":    "cuando",
	"cmo":    "como",
	"porfa":  "por favor",
	"porfis": "por favor",
	"xfa":    "por favor",
	"plis":   "por favor",
	"pls":    "por favor",
	"grax":   "gracias",
	"grcs":   "gracias",
	"gpi":    "gracias",
	"msj":    "mensaje",
	"info":   "informacion",
	"promo":  "promocion",
	"tel":    "telefono",
	"cel":    "celular",
	"celu":   "celular",
	"nro":    "numero",
	"num":    "numero",
	"ud":     "usted",
	"uds":    "ustedes",
	"ps":     "pues",
	"pos":    "pues",
	"tons":   "entonces",
	"tonces": "entonces",
	"na":     "nada",
	"nd":     "nada",
	"pa":     "para",
	"pal":    "para el",
	"toy":    "estoy",
	"tamos":  "estamos",
	"tas":    "estas",
	"okey":   "vale",
	"oki":    "vale",
	"okis":   "vale",
	"okas":   "vale",
	"osea":   "o sea",

	// greetings and courtesy
	"ola":    "hola",
	"olaa":   "hola",
	"holi":   "hola",
	"holis":  "hola",
	"wenas":  "buenas",
	"wena":   "buena",
	"guenas": "buenas",
	"weno":   "bueno",
	"adio":   "adios",
	"chau":   "chao",
	"fabor":  "favor",
	"grasias": "gracias",
	"gracia":  "gracias",
	"asta":    "hasta",
	"diculpa": "disculpa",

	// verbs
	"kiero":    "quiero",
	"qiero":    "quiero",
	"qero":     "quiero",
	"quero":    "quiero",
	"kero":     "quiero",
	"kisiera":  "quisiera",
	"qisiera":  "quisiera",
	"nesesito": "necesito",
	"nesecito": "necesito",
	"necesto":  "necesito",
	"haser":    "hacer",
	"aser":     "hacer",
	"acer":     "hacer",
	"ase":      "hace",
	"asen":     "hacen",
	"yamar":    "llamar",
	"yamo":     "llamo",
	"yego":     "llego",
	"bamos":    "vamos",
	"benir":    "venir",
	"bengo":    "vengo",
	"boi":      "voy",
	"ber":      "ver",
	"bale":     "vale",
	"ay":       "hay",
	"tngo":     "tengo",
	"kiere":    "quiere",
	"saver":    "saber",
	"savemos":  "sabemos",
	"conoser":  "conocer",
	"desir":    "decir",
	"traher":   "traer",
	"yevar":    "llevar",
	"pagr":     "pagar",
	"confrimar": "confirmar",
	"comfirmar": "confirmar",
	"confimar":  "confirmar",
	"canselar":  "cancelar",
	"kancelar":  "cancelar",
	"canclar":   "cancelar",
	"camviar":   "cambiar",
	"canbiar":   "cambiar",
	"ajendar":   "agendar",
	"ahendar":   "agendar",
	"resevar":   "reservar",
	"reserbar":  "reservar",
	"rservar":   "reservar",
	"rezervar":  "reservar",
	"reserba":   "reserva",
	"rezerva":   "reserva",
	"reserbas":  "reservas",

	// nouns, domain
	"sita":      "cita",
	"sitas":     "citas",
	"meza":      "mesa",
	"mezas":     "mesas",
	"domisilio": "domicilio",
	"domicilo":  "domicilio",
	"domi":      "domicilio",
	"pedio":     "pedido",
	"peido":     "pedido",
	"serbisio":  "servicio",
	"servisio":  "servicio",
	"cervicio":  "servicio",
	"serbisios": "servicios",
	"servisios": "servicios",
	"orario":    "horario",
	"orarios":   "horarios",
	"ora":       "hora",
	"oras":      "horas",
	"presio":    "precio",
	"presios":   "precios",
	"prescio":   "precio",
	"kosto":     "costo",
	"kuesta":    "cuesta",
	"questa":    "cuesta",
	"kuanto":    "cuanto",
	"quanto":    "cuanto",
	"kuando":    "cuando",
	"kuenta":    "cuenta",
	"direcsion": "direccion",
	"dirrecion": "direccion",
	"direxion":  "direccion",
	"telfono":   "telefono",
	"telefno":   "telefono",
	"nunero":    "numero",
	"perzona":   "persona",
	"perzonas":  "personas",
	"presonas":  "personas",
	"jente":     "gente",
	"imformacion": "informacion",
	"informasion": "informacion",
	"desceunto":   "descuento",
	"descueto":    "descuento",
	"targeta":     "tarjeta",
	"tarjta":      "tarjeta",
	"efetivo":     "efectivo",
	"efectibo":    "efectivo",
	"trasferencia": "transferencia",

	// days and times
	"lune":      "lunes",
	"marte":     "martes",
	"mierkoles": "miercoles",
	"miercole":  "miercoles",
	"mircoles":  "miercoles",
	"jueve":     "jueves",
	"juebes":    "jueves",
	"vierne":    "viernes",
	"virnes":    "viernes",
	"biernes":   "viernes",
	"savado":    "sabado",
	"savados":   "sabados",
	"domngo":    "domingo",
	"maniana":   "manana",
	"mañna":     "manana",
	"manna":     "manana",
	"temprno":   "temprano",
	"noxe":      "noche",
	"madrugda":  "madrugada",
	"aora":      "ahora",
	"aorita":    "ahorita",
	"orita":     "ahorita",
	"dspues":    "despues",
	"despes":    "despues",
	"cemana":    "semana",
	"semna":     "semana",

	// food and services
	"piza":        "pizza",
	"pitza":       "pizza",
	"pissa":       "pizza",
	"amburguesa":  "hamburguesa",
	"hamburgesa":  "hamburguesa",
	"amburgesa":   "hamburguesa",
	"cervesa":     "cerveza",
	"serbesa":     "cerveza",
	"serveza":     "cerveza",
	"gaseoza":     "gaseosa",
	"komida":      "comida",
	"poyo":        "pollo",
	"karne":       "carne",
	"enslada":     "ensalada",
	"awa":         "agua",
	"cafesito":    "cafe",
	"bevida":      "bebida",
	"vevida":      "bebida",
	"bevidas":     "bebidas",
	"almuerso":    "almuerzo",
	"almuersos":   "almuerzos",
	"desalluno":   "desayuno",
	"desayunno":   "desayuno",
	"limpiesa":    "limpieza",
	"masage":      "masaje",
	"tratamineto": "tratamiento",
	"manikure":    "manicure",
	"pedikure":    "pedicure",

	// misc
	"aki":    "aqui",
	"aka":    "aca",
	"aya":    "alla",
	"avierto": "abierto",
	"serrado": "cerrado",
	"mejior":  "mejor",
	"megor":   "mejor",
	"tanbien": "tambien",
	"tanpoco": "tampoco",
	"entonses": "entonces",
	"alluda":   "ayuda",
	"aiuda":    "ayuda",
	"wasap":    "whatsapp",
	"watsap":   "whatsapp",
	"guasap":   "whatsapp",
	"whatsap":  "whatsapp",
	"mensage":  "mensaje",
	"disponble":  "disponible",
	"diponible":  "disponible",
	"dispnible":  "disponible",
	"embio":      "envio",
	"prosima":    "proxima",
	"prosimo":    "proximo",
	"uste":       "usted",
}

// phraseTable fixes multi-word typos after token replacement. Applied on
// word boundaries, in order.
var phraseTable = [][2]string{
	{"x favor", "por favor"},
	{"x fa", "por favor"},
	{"de el", "del"},
	{"a el", "al"},
	{"medio dia", "mediodia"},
	{"buenas dias", "buenos dias"},
	{"buenos noches", "buenas noches"},
	{"buenos tardes", "buenas tardes"},
}

// synonymGroups canonicalizes within-group variants. Keys are group
// members, values the canonical representative.
var synonymGroups = map[string]string{
	// reservation verbs
	"agendar":  "reservar",
	"apartar":  "reservar",
	"separar":  "reservar",
	"agendame": "reservar",

	// reservation nouns
	"reservacion":   "reserva",
	"reservaciones": "reservas",
	"booking":       "reserva",

	// delivery
	"delivery": "domicilio",

	// ordering
	"ordenar": "pedir",
	"orden":   "pedido",

	// farewells / acks
	"bye":  "adios",
	"chao": "adios",
	"dale": "vale",

	// places
	"aca": "aqui",

	// product plurals commonly used for single items
	"pizzas":       "pizza",
	"hamburguesas": "hamburguesa",
	"cervezas":     "cerveza",
	"gaseosas":     "gaseosa",
	"jugos":        "jugo",
	"cafes":        "cafe",
	"postres":      "postre",
	"ensaladas":    "ensalada",
}

// baseVocabulary seeds the out-of-vocabulary fuzzy matcher alongside the
// dictionary targets and the tenant/system keywords loaded at startup.
var baseVocabulary = []string{
	"hola", "buenas", "buenos", "dias", "tardes", "noches", "adios", "luego",
	"hasta", "gracias", "favor", "por", "que", "porque", "como", "cuando",
	"donde", "cuanto", "cual", "quien", "si", "no", "vale", "claro", "bien",
	"muy", "mas", "menos", "mejor", "tambien", "tampoco", "entonces", "pues",
	"nada", "algo", "todo", "otro", "otra", "este", "esta", "ese", "esa",
	"quiero", "quisiera", "necesito", "deseo", "busco", "tengo", "tenemos",
	"estoy", "estamos", "somos", "seremos", "vamos", "voy", "vengo", "puede",
	"pueden", "puedo", "podria", "podemos", "hay", "es", "son", "sea",
	"ver", "saber", "hacer", "hace", "hacen", "decir", "llamar", "llevar",
	"traer", "pagar", "pago", "tiene", "tienen", "tienes", "gustaria",
	"queremos", "quieren", "abren", "cierran", "atienden", "llegamos",
	"venimos", "total",
	"reservar", "reserva", "reservas", "cancelar", "cambiar", "confirmar",
	"confirmo", "consultar", "pedir", "pedido", "pedidos", "agendar",
	"mesa", "mesas", "cita", "citas", "turno", "domicilio", "servicio",
	"servicios", "menu", "carta", "productos", "producto", "promocion",
	"descuento", "precio", "precios", "costo", "cuesta", "cuenta",
	"efectivo", "tarjeta", "transferencia", "disponible", "disponibilidad",
	"horario", "horarios", "abierto", "cerrado", "informacion", "ayuda",
	"hoy", "manana", "ayer", "semana", "mes", "lunes", "martes", "miercoles",
	"jueves", "viernes", "sabado", "domingo", "hora", "horas", "minutos",
	"media", "cuarto", "mediodia", "madrugada", "tarde", "noche", "temprano",
	"despues", "antes", "ahora", "ahorita", "proxima", "proximo", "pasado",
	"personas", "persona", "comensales", "invitados", "gente", "nombre",
	"telefono", "celular", "numero", "correo", "direccion", "calle",
	"carrera", "avenida", "barrio", "casa", "apartamento", "oficina",
	"para", "las", "los", "una", "uno", "dos", "tres", "cuatro", "cinco",
	"seis", "siete", "ocho", "nueve", "diez", "quince", "veinte", "cien",
	"mil", "pesos", "plata", "dinero",
	"pizza", "hamburguesa", "cerveza", "gaseosa", "jugo", "agua", "cafe",
	"postre", "pollo", "carne", "pescado", "ensalada", "sopa", "arroz",
	"comida", "bebida", "bebidas", "almuerzo", "desayuno", "cena",
	"limpieza", "dental", "masaje", "corte", "tinte", "manicure", "pedicure",
	"tratamiento", "consulta", "doctor", "doctora",
	"whatsapp", "mensaje", "aqui", "alla", "usted", "ustedes", "senor",
	"senora", "reunion", "envio", "domicilios", "margherita", "hawaiana",
	"cancelacion", "disculpa", "perdon", "urgente",
}
